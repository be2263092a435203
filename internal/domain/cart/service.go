package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/storefront-checkout/internal/domain/catalog"
)

// AddRequest holds the input for adding an item to the cart. Exactly one of
// ProductID and CustomizationID must be set.
type AddRequest struct {
	ProductID       *string
	CustomizationID *string
	Quantity        int
	SelectedColor   *string
	SelectedSize    *string
}

// Service encapsulates cart mutations. Unit prices are snapshotted from the
// catalog when a line is added.
type Service struct {
	store   Store
	catalog catalog.Repository
	now     func() time.Time
	newID   func() string
}

// NewService creates a cart Service.
func NewService(store Store, products catalog.Repository) *Service {
	return &Service{
		store:   store,
		catalog: products,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Get returns the customer's cart.
func (s *Service) Get(ctx context.Context, tenantID, customerID string) (*Cart, error) {
	c, err := s.store.Get(ctx, tenantID, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	return c, nil
}

// Add resolves the item in the catalog, snapshots its price and stores the line.
func (s *Service) Add(ctx context.Context, tenantID, customerID string, req AddRequest) (*Cart, error) {
	line := Line{
		ID:              s.newID(),
		ProductID:       req.ProductID,
		CustomizationID: req.CustomizationID,
		Quantity:        req.Quantity,
		SelectedColor:   req.SelectedColor,
		SelectedSize:    req.SelectedSize,
	}
	if err := line.Validate(); err != nil {
		return nil, err
	}

	if line.ProductID != nil {
		p, err := s.catalog.GetProduct(ctx, *line.ProductID)
		if err != nil {
			return nil, errors.Wrap(err, "get product")
		}
		line.Name = p.Name
		line.UnitPrice = p.Price
	} else {
		cz, err := s.catalog.GetCustomization(ctx, *line.CustomizationID)
		if err != nil {
			return nil, errors.Wrap(err, "get customization")
		}
		line.Name = cz.Name
		line.UnitPrice = cz.Price
	}

	c, err := s.Get(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	if _, err := c.Add(line); err != nil {
		return nil, err
	}
	return c, s.save(ctx, c)
}

// UpdateQuantity sets a line's quantity; zero removes it.
func (s *Service) UpdateQuantity(ctx context.Context, tenantID, customerID, lineID string, qty int) (*Cart, error) {
	c, err := s.Get(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	if err := c.SetQuantity(lineID, qty); err != nil {
		return nil, err
	}
	return c, s.save(ctx, c)
}

// RemoveLine deletes a line from the cart.
func (s *Service) RemoveLine(ctx context.Context, tenantID, customerID, lineID string) (*Cart, error) {
	c, err := s.Get(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	if err := c.Remove(lineID); err != nil {
		return nil, err
	}
	return c, s.save(ctx, c)
}

// Clear drops the customer's cart.
func (s *Service) Clear(ctx context.Context, tenantID, customerID string) error {
	if err := s.store.Delete(ctx, tenantID, customerID); err != nil {
		return errors.Wrap(err, "delete cart")
	}
	return nil
}

func (s *Service) save(ctx context.Context, c *Cart) error {
	c.UpdatedAt = s.now().UTC()
	if err := s.store.Save(ctx, c); err != nil {
		return errors.Wrap(err, "save cart")
	}
	return nil
}
