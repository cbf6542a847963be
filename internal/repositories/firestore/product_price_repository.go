package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/returns/internal/domain"
	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/repositories"
)

const productsCollection = "products"

// ProductPriceRepository reads selling prices from catalog product documents.
type ProductPriceRepository struct {
	base *pfirestore.BaseRepository[productPriceDocument]
}

var _ repositories.ProductPriceRepository = (*ProductPriceRepository)(nil)

func NewProductPriceRepository(provider *pfirestore.Provider) (*ProductPriceRepository, error) {
	if provider == nil {
		return nil, errors.New("product price repository requires firestore provider")
	}
	return &ProductPriceRepository{base: pfirestore.NewBaseRepository[productPriceDocument](provider, productsCollection)}, nil
}

// CurrentPrice prefers the variant price and falls back to the product price.
func (r *ProductPriceRepository) CurrentPrice(ctx context.Context, productID, variantID string) (domain.ProductPrice, error) {
	productID = strings.TrimSpace(productID)
	variantID = strings.TrimSpace(variantID)
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.ProductPrice{}, err
	}
	if !doc.Data.Active {
		return domain.ProductPrice{}, pfirestore.WrapError("products.price", status.Error(codes.NotFound, fmt.Sprintf("product %s is not on sale", productID)))
	}
	price := doc.Data.Price
	if variantID != "" {
		variant, ok := doc.Data.Variants[variantID]
		if !ok {
			return domain.ProductPrice{}, pfirestore.WrapError("products.price", status.Error(codes.NotFound, fmt.Sprintf("variant %s not found on %s", variantID, productID)))
		}
		if variant.Price > 0 {
			price = variant.Price
		}
	}
	return domain.ProductPrice{
		ProductID: doc.ID,
		VariantID: variantID,
		UnitPrice: price,
		Currency:  doc.Data.Currency,
	}, nil
}

type productVariantDocument struct {
	Price int64 `firestore:"price"`
}

type productPriceDocument struct {
	Price    int64                             `firestore:"price"`
	Currency string                            `firestore:"currency"`
	Active   bool                              `firestore:"active"`
	Variants map[string]productVariantDocument `firestore:"variants,omitempty"`
}
