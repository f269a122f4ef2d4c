package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/catalog"
	"trek-rest-api/internal/logging"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/store"
	"trek-rest-api/pkg/uid"

	"go.uber.org/zap"
)

// PurchaseService moves items from a user's Locked set to the Unlocked set
// in exchange for coins.
type PurchaseService struct {
	store          store.DocumentStore
	cache          cache.LocalCache
	catalog        *catalog.Catalog
	refreshTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewPurchaseService creates a new purchase service.
func NewPurchaseService(
	st store.DocumentStore,
	c cache.LocalCache,
	cat *catalog.Catalog,
	refreshTimeout time.Duration,
	logger *zap.Logger,
) *PurchaseService {
	if refreshTimeout <= 0 {
		refreshTimeout = 10 * time.Second
	}
	return &PurchaseService{
		store:          st,
		cache:          c,
		catalog:        cat,
		refreshTimeout: refreshTimeout,
		logger:         logger.Named("purchase"),
		now:            time.Now,
	}
}

func checkID(name, v string) error {
	if v == "" {
		return invalid("%s is required", name)
	}
	if strings.Contains(v, "/") {
		return invalid("%s must not contain '/'", name)
	}
	return nil
}

// Purchase debits price from the user's balance and unlocks itemID in one
// remote transaction. The failure is ErrAlreadyUnlocked, ErrUnknownItem or
// ErrInsufficientFunds when a precondition does not hold, and *RemoteError
// when the store could not be reached. Nothing is written on failure.
func (s *PurchaseService) Purchase(ctx context.Context, userID, itemID string, price int64) (*model.PurchaseResult, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	if err := checkID("item_id", itemID); err != nil {
		return nil, err
	}
	if price < 0 {
		return nil, invalid("price must not be negative")
	}

	purchasedAt := s.now().UTC()
	var remaining int64

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		// Balance first: row-locking backends then serialize purchases per user.
		balance, err := tx.Get(ctx, model.BalancePath(userID))
		if err != nil {
			return err
		}
		locked, err := tx.Get(ctx, model.LockedPath(userID, itemID))
		if err != nil {
			return err
		}
		unlocked, err := tx.Get(ctx, model.UnlockedPath(userID, itemID))
		if err != nil {
			return err
		}

		if unlocked.Exists() {
			return ErrAlreadyUnlocked
		}
		if !locked.Exists() {
			return ErrUnknownItem
		}
		coins := balance.Int64(model.FieldCoins)
		if coins < price {
			return ErrInsufficientFunds
		}

		remaining = coins - price
		if err := tx.Merge(model.BalancePath(userID), map[string]interface{}{
			model.FieldCoins:     remaining,
			model.FieldUpdatedAt: purchasedAt.Unix(),
		}); err != nil {
			return err
		}
		if err := tx.Set(model.UnlockedPath(userID, itemID), map[string]interface{}{
			model.FieldItemID:     itemID,
			model.FieldUnlockedAt: purchasedAt.Unix(),
		}); err != nil {
			return err
		}
		return tx.Delete(model.LockedPath(userID, itemID))
	})
	if err != nil {
		err = classify("purchase", err)
		var re *RemoteError
		if errors.As(err, &re) {
			s.logger.Error("purchase failed",
				logging.RequestField(ctx), zap.String("user_id", userID), zap.String("item_id", itemID), zap.Error(re.Err))
		}
		return nil, err
	}

	result := &model.PurchaseResult{
		ReceiptID:   uid.NewReceipt(),
		UserID:      userID,
		ItemID:      itemID,
		Price:       price,
		Balance:     remaining,
		PurchasedAt: purchasedAt,
	}
	s.logger.Info("purchase committed",
		logging.RequestField(ctx),
		zap.String("receipt_id", result.ReceiptID),
		zap.String("user_id", userID),
		zap.String("item_id", itemID),
		zap.Int64("price", price),
		zap.Int64("balance", remaining))

	s.refreshAfterPurchase(ctx, userID, itemID)
	return result, nil
}

// Buy purchases a catalog item at its listed price.
func (s *PurchaseService) Buy(ctx context.Context, userID, itemID string) (*model.PurchaseResult, error) {
	item, ok := s.catalog.Lookup(itemID)
	if !ok {
		return nil, ErrUnknownItem
	}
	return s.Purchase(ctx, userID, item.ID, item.Price)
}

// refreshAfterPurchase brings the local cache in line with the committed
// purchase. The remote change stands whatever happens here; failures are
// only logged.
func (s *PurchaseService) refreshAfterPurchase(ctx context.Context, userID, itemID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
	defer cancel()

	log := s.logger.With(zap.String("user_id", userID), zap.String("item_id", itemID))

	doc, err := s.store.Get(ctx, model.BalancePath(userID))
	if err != nil {
		log.Warn("cache refresh: reading balance failed", zap.Error(err))
		return
	}
	if err := s.cache.PutBalance(ctx, balanceFromDoc(userID, doc)); err != nil {
		log.Warn("cache refresh: writing balance failed", zap.Error(err))
		return
	}
	if err := s.cache.PutItem(ctx, model.OwnedItem{UserID: userID, ItemID: itemID, Locked: false}); err != nil {
		log.Warn("cache refresh: marking item unlocked failed", zap.Error(err))
	}
}

// Equip selects an owned item as the user's avatar. The item must be in the
// Unlocked set; ErrItemLocked otherwise.
func (s *PurchaseService) Equip(ctx context.Context, userID, itemID string) (*model.Profile, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	if err := checkID("item_id", itemID); err != nil {
		return nil, err
	}

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		unlocked, err := tx.Get(ctx, model.UnlockedPath(userID, itemID))
		if err != nil {
			return err
		}
		locked, err := tx.Get(ctx, model.LockedPath(userID, itemID))
		if err != nil {
			return err
		}
		if !unlocked.Exists() {
			if locked.Exists() {
				return ErrItemLocked
			}
			return ErrUnknownItem
		}
		return tx.Merge(model.UserPath(userID), map[string]interface{}{
			model.FieldSelectedItem: itemID,
		})
	})
	if err != nil {
		return nil, classify("equip", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
	defer cancel()

	doc, err := s.store.Get(ctx, model.UserPath(userID))
	if err != nil {
		s.logger.Warn("cache refresh: reading profile failed", zap.String("user_id", userID), zap.Error(err))
		sel := itemID
		return &model.Profile{UserID: userID, SelectedItem: &sel}, nil
	}
	profile := profileFromDoc(userID, doc)
	if err := s.cache.PutUser(ctx, profile); err != nil {
		s.logger.Warn("cache refresh: writing profile failed", zap.String("user_id", userID), zap.Error(err))
	}
	return profile, nil
}
