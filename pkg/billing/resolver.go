package billing

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"mealpage_backend/internal/model"
)

// StripeRef accepts both reference shapes Stripe emits for related
// objects: a bare id string ("cus_123") or an expanded object ({"id":...}).
type StripeRef struct {
	ID string
}

func (r *StripeRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

// ResolveInput carries every identity hint a webhook payload can offer,
// in resolution order.
type ResolveInput struct {
	MetadataUserID    string
	ClientReferenceID string // checkout sessions only
	SubscriptionID    string
	CustomerID        string
}

// parseUserRef understands both "9" and the "user-9" form our checkout
// flow writes into client_reference_id.
func parseUserRef(s string) (uint, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "user-")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// ResolveUser maps a provider event to an internal user: explicit metadata
// id, then client_reference_id, then stored subscription id, then stored
// customer id. First match wins. No match returns (nil, nil): some
// deliveries legitimately precede any tracked mapping and are no-ops.
func ResolveUser(db *gorm.DB, in ResolveInput) (*model.User, error) {
	if id, ok := parseUserRef(in.MetadataUserID); ok {
		if user, err := userByID(db, id); user != nil || err != nil {
			return user, err
		}
	}

	if id, ok := parseUserRef(in.ClientReferenceID); ok {
		if user, err := userByID(db, id); user != nil || err != nil {
			return user, err
		}
	}

	if in.SubscriptionID != "" {
		if user, err := userBySubscriptionColumn(db, "stripe_sub_id", in.SubscriptionID); user != nil || err != nil {
			return user, err
		}
	}

	if in.CustomerID != "" {
		if user, err := userBySubscriptionColumn(db, "stripe_customer_id", in.CustomerID); user != nil || err != nil {
			return user, err
		}
	}

	return nil, nil
}

func userByID(db *gorm.DB, id uint) (*model.User, error) {
	var user model.User
	err := db.First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func userBySubscriptionColumn(db *gorm.DB, column, value string) (*model.User, error) {
	var sub model.Subscription
	err := db.Where(column+" = ? AND provider = ?", value, Provider).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return userByID(db, sub.UserID)
}
