package domain

import "time"

// Domain contains the canonical record shapes produced by source normalizers
// and consumed by the upsert engine. Identity is always (Source, ExternalID);
// optional fields that a source did not supply stay nil, never zero-valued.

// ListingStatus is the lifecycle state of a catalog product or classified listing.
type ListingStatus string

const (
	StatusActive      ListingStatus = "active"
	StatusSold        ListingStatus = "sold"
	StatusExpired     ListingStatus = "expired"
	StatusUnavailable ListingStatus = "unavailable"
	StatusUnknown     ListingStatus = "unknown"
)

// DealStatus is the lifecycle state of a procurement deal. Completed is terminal.
type DealStatus string

const (
	DealActive    DealStatus = "active"
	DealCompleted DealStatus = "completed"
)

// Seller is a party entity referenced by listings. Never deleted once seen.
type Seller struct {
	Source     string
	ExternalID string
	Name       string
	Rating     *float64
	Reviews    *int64
	Orders     *int64
	Contact    *string
	Official   bool
}

// SKU is one purchasable variant of a catalog product. Prices are in the
// source currency's minor units.
type SKU struct {
	ID            string
	FullPrice     *int64
	PurchasePrice *int64
	Available     *int64
	Barcode       *string
}

// Product is a B2C catalog item.
type Product struct {
	Source       string
	ExternalID   string
	Title        string
	CategoryPath []string
	SellerID     string
	Price        *int64
	Currency     string
	Status       ListingStatus
	Available    *int64
	Attributes   map[string]string
	SKUs         []SKU
}

// Listing is a C2C classified ad: one item, one private seller, negotiable
// price, open-ended attribute map for source-specific fields.
type Listing struct {
	Source      string
	ExternalID  string
	Title       string
	Description string
	Price       *int64
	Currency    string
	Status      ListingStatus
	City        *string
	SellerID    string
	PostedAt    *time.Time
	Attributes  map[string]string
}

// LineItem is one row of a procurement deal.
type LineItem struct {
	RowNum   int
	Name     string
	Quantity *float64
	Unit     *string
	Price    *int64
	Cost     *int64
	Country  *string
}

// Deal is a B2B procurement lot. A completed deal is terminal and must never
// transition back to active.
type Deal struct {
	Source      string
	LotID       string
	LotType     string
	Status      DealStatus
	StartCost   *int64
	DealCost    *int64
	Currency    string
	Customer    string
	CustomerTIN *string
	Provider    *string
	ProviderTIN *string
	Category    *string
	DealDate    *time.Time
	Items       []LineItem
}

// PricePoint is one row of the append-only price ledger.
type PricePoint struct {
	Source     string
	ExternalID string
	Price      *int64
	Available  *int64
	Status     string
	RecordedAt time.Time
}

// RecordSet is the normalized output of one fetched page. Skipped counts
// records the normalizer dropped because a required field was missing.
type RecordSet struct {
	Sellers  []Seller
	Products []Product
	Listings []Listing
	Deals    []Deal
	Skipped  int
}

// Empty reports whether the set carries no entity records.
func (rs *RecordSet) Empty() bool {
	if rs == nil {
		return true
	}
	return len(rs.Sellers) == 0 && len(rs.Products) == 0 && len(rs.Listings) == 0 && len(rs.Deals) == 0
}

// Size returns the number of entity records in the set.
func (rs *RecordSet) Size() int {
	if rs == nil {
		return 0
	}
	return len(rs.Sellers) + len(rs.Products) + len(rs.Listings) + len(rs.Deals)
}
