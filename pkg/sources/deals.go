package sources

import (
	"encoding/json"
	"fmt"

	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
)

// dealsAdapter handles B2B procurement exchanges paginated by index windows:
// each page is a POST with a [from_idx, to_idx] body against a per-lot-type,
// per-status endpoint. One stream per (lot type, status) pair so completed
// history and live lots advance independently.
type dealsAdapter struct{}

// NewDealsAdapter builds the adapter for procurement deal sources.
func NewDealsAdapter() Adapter { return &dealsAdapter{} }

func (a *dealsAdapter) Type() string { return TypeDeals }

func (a *dealsAdapter) Streams(src Source) []StreamSpec {
	statuses := []domain.DealStatus{domain.DealCompleted, domain.DealActive}
	specs := make([]StreamSpec, 0, len(src.LotTypes)*len(statuses))
	for _, lt := range src.LotTypes {
		for _, status := range statuses {
			specs = append(specs, StreamSpec{
				ID:      fmt.Sprintf("%s/%s/%s", src.ID, lt, status),
				Source:  src,
				LotType: lt,
				Status:  status,
			})
		}
	}
	return specs
}

func (a *dealsAdapter) PageRequest(st StreamSpec, cur cursor.State) (fetch.RequestSpec, error) {
	if st.LotType == "" {
		return fetch.RequestSpec{}, fmt.Errorf("stream %s: lot type is empty", st.ID)
	}
	return fetch.RequestSpec{
		Source:  st.Source.ID,
		Method:  "POST",
		URL:     fmt.Sprintf("%s/api/v1/%s/%s", st.Source.BaseURL, st.LotType, st.Status),
		Headers: st.Source.Headers,
		Body: map[string]int64{
			"from_idx": cur.LastID + 1,
			"to_idx":   cur.LastID + int64(st.Source.PageSize),
		},
	}, nil
}

// Lot and line item alias tables. The exchange renames fields between lot
// types; resolution order prefers the auction variant.
var (
	dealLotID       = Alias{"lot_id", "id"}
	dealStartCost   = Alias{"start_cost", "start_price"}
	dealCost        = Alias{"deal_cost", "cost", "price"}
	dealCustomer    = Alias{"customer_name", "customer"}
	dealCustomerTIN = Alias{"customer_inn", "customer_tin"}
	dealProvider    = Alias{"provider_name", "provider"}
	dealProviderTIN = Alias{"provider_inn", "provider_tin"}
	dealCategory    = Alias{"category_name", "category"}
	dealDate        = Alias{"deal_date", "end_date", "date"}
	dealItems       = Alias{"products", "items"}

	itemRowNum   = Alias{"order_num", "rn"}
	itemName     = Alias{"product_name", "name"}
	itemQuantity = Alias{"quantity", "amount"}
	itemUnit     = Alias{"measure_name", "unit"}
	itemPrice    = Alias{"price"}
	itemCost     = Alias{"cost", "summa"}
	itemCountry  = Alias{"country_name", "country"}
)

func (a *dealsAdapter) Normalize(st StreamSpec, payload []byte) (*domain.RecordSet, error) {
	lots, err := decodeLots(payload)
	if err != nil {
		return nil, err
	}

	rs := &domain.RecordSet{}
	for _, obj := range lots {
		deal, err := a.normalizeLot(st, obj)
		if err != nil {
			rs.Skipped++
			continue
		}
		rs.Deals = append(rs.Deals, deal)
	}
	return rs, nil
}

// decodeLots accepts both a bare array and a {"data": [...]} envelope; the
// exchange switched shapes between API revisions.
func decodeLots(payload []byte) ([]map[string]any, error) {
	var lots []map[string]any
	if err := json.Unmarshal(payload, &lots); err == nil {
		return lots, nil
	}
	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode deals payload: %w", err)
	}
	return envelope.Data, nil
}

func (a *dealsAdapter) normalizeLot(st StreamSpec, obj map[string]any) (domain.Deal, error) {
	srcID := st.Source.ID

	lotID, err := requireStr(srcID, obj, dealLotID, "lot_id")
	if err != nil {
		return domain.Deal{}, err
	}

	customer, _ := dealCustomer.Str(obj)
	deal := domain.Deal{
		Source:      srcID,
		LotID:       lotID,
		LotType:     st.LotType,
		Status:      st.Status,
		StartCost:   optMinorUnits(obj, dealStartCost),
		DealCost:    optMinorUnits(obj, dealCost),
		Currency:    st.Source.Currency,
		Customer:    customer,
		CustomerTIN: optStr(obj, dealCustomerTIN),
		Provider:    optStr(obj, dealProvider),
		ProviderTIN: optStr(obj, dealProviderTIN),
		Category:    optStr(obj, dealCategory),
		DealDate:    optTime(obj, dealDate),
	}

	if items, ok := dealItems.List(obj); ok {
		deal.Items = normalizeItems(items)
	}
	return deal, nil
}

func normalizeItems(list []any) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(list))
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		rowNum := i + 1
		if n, ok := itemRowNum.Int(obj); ok {
			rowNum = int(n)
		}
		name, ok := itemName.Str(obj)
		if !ok {
			continue
		}
		items = append(items, domain.LineItem{
			RowNum:   rowNum,
			Name:     name,
			Quantity: optFloat(obj, itemQuantity),
			Unit:     optStr(obj, itemUnit),
			Price:    optMinorUnits(obj, itemPrice),
			Cost:     optMinorUnits(obj, itemCost),
			Country:  optStr(obj, itemCountry),
		})
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

func (a *dealsAdapter) Advance(st StreamSpec, cur cursor.State) cursor.State {
	cur.LastID += int64(st.Source.PageSize)
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
