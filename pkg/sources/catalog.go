package sources

import (
	"encoding/json"
	"fmt"

	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
)

// catalogAdapter handles B2C catalog backends exposing a JSON detail endpoint
// per product id wrapped in a payload.data envelope. The cursor walks the
// numeric id space one product per iteration and wraps at max_id so price
// changes on known products keep being observed.
type catalogAdapter struct{}

// NewCatalogAdapter builds the adapter for catalog sources.
func NewCatalogAdapter() Adapter { return &catalogAdapter{} }

func (a *catalogAdapter) Type() string { return TypeCatalog }

func (a *catalogAdapter) Streams(src Source) []StreamSpec {
	return []StreamSpec{{ID: src.ID + "/catalog", Source: src}}
}

func (a *catalogAdapter) PageRequest(st StreamSpec, cur cursor.State) (fetch.RequestSpec, error) {
	return fetch.RequestSpec{
		Source:  st.Source.ID,
		URL:     fmt.Sprintf("%s/api/v2/product/%d", st.Source.BaseURL, cur.LastID+1),
		Headers: st.Source.Headers,
	}, nil
}

// Field alias tables for catalog payloads. Older API versions used productId
// and reviewsCount; resolution order prefers the current names.
var (
	catProductID = Alias{"id", "productId"}
	catTitle     = Alias{"title", "name"}
	catRating    = Alias{"rating"}
	catReviews   = Alias{"reviews", "reviewsAmount", "reviewsCount"}
	catOrders    = Alias{"orders", "ordersAmount", "ordersCount"}
	catSeller    = Alias{"seller"}
	catCategory  = Alias{"category"}
	catSKUList   = Alias{"skuList", "skus"}
	catAttrs     = Alias{"attributes", "characteristics"}

	catSellerID       = Alias{"id", "sellerAccountId"}
	catSellerTitle    = Alias{"title", "name"}
	catSellerContact  = Alias{"link", "contact"}
	catSellerOfficial = Alias{"official", "is_official"}

	catSKUID        = Alias{"id"}
	catSKUFull      = Alias{"fullPrice", "full_price"}
	catSKUPurchase  = Alias{"purchasePrice", "purchase_price"}
	catSKUAvailable = Alias{"availableAmount", "available_amount"}
	catSKUBarcode   = Alias{"barcode"}
)

func (a *catalogAdapter) Normalize(st StreamSpec, payload []byte) (*domain.RecordSet, error) {
	var envelope struct {
		Payload struct {
			Data map[string]any `json:"data"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode catalog payload: %w", err)
	}
	data := envelope.Payload.Data
	if len(data) == 0 {
		return nil, &NormalizeError{Source: st.Source.ID, Field: "payload.data"}
	}

	srcID := st.Source.ID
	externalID, err := requireStr(srcID, data, catProductID, "id")
	if err != nil {
		return nil, err
	}
	title, err := requireStr(srcID, data, catTitle, "title")
	if err != nil {
		return nil, err
	}

	rs := &domain.RecordSet{}

	product := domain.Product{
		Source:     srcID,
		ExternalID: externalID,
		Title:      title,
		Currency:   st.Source.Currency,
		Status:     domain.StatusUnknown,
	}

	if cat, ok := catCategory.Map(data); ok {
		product.CategoryPath = categoryPath(cat)
	}

	if seller, ok := catSeller.Map(data); ok {
		if sellerID, ok := catSellerID.Str(seller); ok {
			name, _ := catSellerTitle.Str(seller)
			official, _ := catSellerOfficial.Bool(seller)
			rs.Sellers = append(rs.Sellers, domain.Seller{
				Source:     srcID,
				ExternalID: sellerID,
				Name:       name,
				Rating:     optFloat(seller, catRating),
				Reviews:    optInt(seller, catReviews),
				Orders:     optInt(seller, catOrders),
				Contact:    optStr(seller, catSellerContact),
				Official:   official,
			})
			product.SellerID = sellerID
		}
	}

	if skuList, ok := catSKUList.List(data); ok {
		product.SKUs, product.Price, product.Available = normalizeSKUs(skuList)
	}
	switch {
	case product.Available == nil:
		product.Status = domain.StatusUnknown
	case *product.Available > 0:
		product.Status = domain.StatusActive
	default:
		product.Status = domain.StatusUnavailable
	}

	if attrs, ok := catAttrs.lookup(data); ok {
		product.Attributes = stringifyAttributes(attrs)
	}

	rs.Products = append(rs.Products, product)
	return rs, nil
}

// normalizeSKUs parses the variant list, returning the canonical product
// price (lowest known purchase price) and total availability. Both stay nil
// when no SKU carries the value.
func normalizeSKUs(list []any) ([]domain.SKU, *int64, *int64) {
	var (
		skus      []domain.SKU
		price     *int64
		available *int64
	)
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, ok := catSKUID.Str(obj)
		if !ok {
			continue
		}
		sku := domain.SKU{
			ID:            id,
			FullPrice:     optInt(obj, catSKUFull),
			PurchasePrice: optInt(obj, catSKUPurchase),
			Available:     optInt(obj, catSKUAvailable),
			Barcode:       optStr(obj, catSKUBarcode),
		}
		skus = append(skus, sku)

		if sku.PurchasePrice != nil && (price == nil || *sku.PurchasePrice < *price) {
			price = intPtr(*sku.PurchasePrice)
		}
		if sku.Available != nil {
			if available == nil {
				available = intPtr(0)
			}
			*available += *sku.Available
		}
	}
	return skus, price, available
}

// categoryPath walks the nested parent chain and returns titles root-first.
func categoryPath(cat map[string]any) []string {
	var reversed []string
	for cat != nil {
		if title, ok := (Alias{"title", "name"}).Str(cat); ok {
			reversed = append(reversed, title)
		}
		parent, ok := Alias{"parent"}.Map(cat)
		if !ok {
			break
		}
		cat = parent
	}
	path := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path
}

func (a *catalogAdapter) Advance(st StreamSpec, cur cursor.State) cursor.State {
	cur.LastID++
	if st.Source.MaxID > 0 && cur.LastID >= st.Source.MaxID {
		if st.Source.Wrap {
			cur.LastID = 0
			cur.Cycles++
		} else {
			cur.Completed = true
		}
	}
	return cur
}
