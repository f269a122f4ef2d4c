package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStoreConfig holds configuration for the MongoDB document store.
type MongoStoreConfig struct {
	URI          string
	Database     string
	Collection   string
	MaxAttempts  int
	PollInterval time.Duration
}

// mongoDocument is one stored document. The path doubles as _id.
type mongoDocument struct {
	Path       string                 `bson:"_id"`
	Collection string                 `bson:"collection"`
	Data       map[string]interface{} `bson:"data"`
	Version    int64                  `bson:"version"`
	UpdatedAt  int64                  `bson:"updated_at"`
}

func (d *mongoDocument) toDocument() *Document {
	return &Document{
		Path:       d.Path,
		Data:       d.Data,
		Version:    d.Version,
		UpdateTime: time.Unix(0, d.UpdatedAt).UTC(),
	}
}

// MongoStore implements DocumentStore on MongoDB. Transactions need a
// replica set; listeners are driven by a change stream when the deployment
// supports one and by polling otherwise.
type MongoStore struct {
	client      *mongo.Client
	db          *mongo.Database
	collection  *mongo.Collection
	maxAttempts int
	poll        time.Duration
	watches     *watchRegistry

	streamCancel context.CancelFunc
	streamDone   chan struct{}
	closeOnce    sync.Once
}

// NewMongoStore connects to MongoDB and prepares the documents collection.
func NewMongoStore(cfg MongoStoreConfig) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collName := cfg.Collection
	if collName == "" {
		collName = "documents"
	}
	db := client.Database(cfg.Database)
	coll := db.Collection(collName)

	indexModel := mongo.IndexModel{Keys: bson.D{{Key: "collection", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create collection index: %w", err)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	s := &MongoStore{
		client:       client,
		db:           db,
		collection:   coll,
		maxAttempts:  maxAttempts,
		poll:         poll,
		watches:      newWatchRegistry(),
		streamCancel: streamCancel,
		streamDone:   make(chan struct{}),
	}
	go s.followChanges(streamCtx)

	return s, nil
}

// followChanges wakes listeners from the change stream. Standalone servers
// have no change streams; polling covers them.
func (s *MongoStore) followChanges(ctx context.Context) {
	defer close(s.streamDone)

	cs, err := s.collection.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return
	}
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var event struct {
			DocumentKey struct {
				ID string `bson:"_id"`
			} `bson:"documentKey"`
		}
		if err := cs.Decode(&event); err != nil {
			continue
		}
		s.watches.notify(event.DocumentKey.ID)
	}
}

func (s *MongoStore) findDoc(ctx context.Context, path string) (*Document, error) {
	var doc mongoDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return missing(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", path, err)
	}
	return doc.toDocument(), nil
}

// Get reads a document.
func (s *MongoStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	return s.findDoc(ctx, path)
}

// List reads the direct children of a collection.
func (s *MongoStore) List(ctx context.Context, collection string) ([]*Document, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"collection": collection}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []*Document
	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode document in %s: %w", collection, err)
		}
		docs = append(docs, doc.toDocument())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	sortDocuments(docs)
	return docs, nil
}

// Set replaces a document.
func (s *MongoStore) Set(ctx context.Context, path string, data map[string]interface{}) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, data)
	})
}

// Merge sets fields on a document, creating it if needed.
func (s *MongoStore) Merge(ctx context.Context, path string, fields map[string]interface{}) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Merge(path, fields)
	})
}

// Delete removes a document.
func (s *MongoStore) Delete(ctx context.Context, path string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete(path)
	})
}

// RunTransaction runs fn inside a multi-document transaction. Every write is
// conditioned on the version the transaction saw, so a concurrent commit
// surfaces as a duplicate key or empty match and the body is re-run.
func (s *MongoStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var changed []string
		_, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			tx := &mongoTxn{writeBuffer: newWriteBuffer(), store: s}
			if err := fn(sc, tx); err != nil {
				return nil, err
			}

			states, err := tx.stage(func(path string) (*Document, error) {
				return s.findDoc(sc, path)
			})
			if err != nil {
				return nil, err
			}

			changed = changed[:0]
			now := time.Now().UnixNano()
			for _, st := range states {
				if err := s.apply(sc, st, now); err != nil {
					return nil, err
				}
				changed = append(changed, st.path)
			}
			return nil, nil
		})
		if err == nil {
			s.watches.notify(changed...)
			return nil
		}
		if !errors.Is(err, errVersionConflict) && !mongo.IsDuplicateKeyError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrAborted, lastErr)
}

var errVersionConflict = errors.New("document version changed")

func (s *MongoStore) apply(ctx context.Context, st staged, now int64) error {
	filter := bson.M{"_id": st.path, "version": st.baseVersion}

	if !st.exists {
		if st.baseVersion == 0 {
			return nil
		}
		res, err := s.collection.DeleteOne(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", st.path, err)
		}
		if res.DeletedCount == 0 {
			return errVersionConflict
		}
		return nil
	}

	doc := mongoDocument{
		Path:       st.path,
		Collection: Parent(st.path),
		Data:       st.data,
		Version:    st.baseVersion + 1,
		UpdatedAt:  now,
	}
	if st.baseVersion == 0 {
		if _, err := s.collection.InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("failed to insert %s: %w", st.path, err)
		}
		return nil
	}
	res, err := s.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", st.path, err)
	}
	if res.MatchedCount == 0 {
		return errVersionConflict
	}
	return nil
}

// ListenDocument delivers the document now and after every change.
func (s *MongoStore) ListenDocument(ctx context.Context, path string, fn Listener) (Registration, error) {
	return s.watches.add(ctx, s, path, false, s.poll, fn)
}

// ListenCollection delivers the collection now and after every change.
func (s *MongoStore) ListenCollection(ctx context.Context, collection string, fn Listener) (Registration, error) {
	return s.watches.add(ctx, s, collection, true, s.poll, fn)
}

// Stats returns document and listener counts.
func (s *MongoStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"backend":   "mongodb",
		"listeners": s.watches.count(),
	}
	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return stats, err
	}
	stats["total_documents"] = count
	return stats, nil
}

// Close stops listeners and disconnects.
func (s *MongoStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.watches.closeAll()
		s.streamCancel()
		<-s.streamDone

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.client.Disconnect(ctx)
	})
	return err
}

type mongoTxn struct {
	*writeBuffer
	store *MongoStore
}

func (t *mongoTxn) Get(ctx context.Context, path string) (*Document, error) {
	if err := t.beforeRead(path); err != nil {
		return nil, err
	}
	if doc, ok := t.reads[path]; ok {
		return cloneDocument(doc), nil
	}
	doc, err := t.store.findDoc(ctx, path)
	if err != nil {
		return nil, err
	}
	t.recordRead(doc)
	return cloneDocument(doc), nil
}

// Ensure MongoStore implements DocumentStore
var _ DocumentStore = (*MongoStore)(nil)
