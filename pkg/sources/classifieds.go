package sources

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
)

// classifiedsAdapter handles C2C listing boards with a paginated offers
// endpoint. Descriptions arrive as HTML fragments and are flattened to plain
// text. The board only serves a bounded number of pages, so the cursor wraps
// back to page one when max_pages is reached.
type classifiedsAdapter struct{}

// NewClassifiedsAdapter builds the adapter for classifieds sources.
func NewClassifiedsAdapter() Adapter { return &classifiedsAdapter{} }

func (a *classifiedsAdapter) Type() string { return TypeClassifieds }

func (a *classifiedsAdapter) Streams(src Source) []StreamSpec {
	return []StreamSpec{{ID: src.ID + "/offers", Source: src}}
}

func (a *classifiedsAdapter) PageRequest(st StreamSpec, cur cursor.State) (fetch.RequestSpec, error) {
	q := url.Values{}
	q.Set("page", strconv.FormatInt(cur.Page+1, 10))
	q.Set("limit", strconv.Itoa(st.Source.PageSize))
	return fetch.RequestSpec{
		Source:  st.Source.ID,
		URL:     fmt.Sprintf("%s/api/v1/offers?%s", st.Source.BaseURL, q.Encode()),
		Headers: st.Source.Headers,
	}, nil
}

var (
	clsID          = Alias{"id", "offer_id"}
	clsTitle       = Alias{"title"}
	clsDescription = Alias{"description", "description_html"}
	clsPrice       = Alias{"price"}
	clsPriceValue  = Alias{"value", "amount"}
	clsStatus      = Alias{"status"}
	clsLocation    = Alias{"location"}
	clsCity        = Alias{"city"}
	clsCityName    = Alias{"name", "normalized_name"}
	clsUser        = Alias{"user", "seller"}
	clsUserID      = Alias{"id"}
	clsUserName    = Alias{"name"}
	clsUserPhone   = Alias{"phone", "contact"}
	clsCreated     = Alias{"created_time", "created_at"}
	clsParams      = Alias{"params", "attributes"}
	clsCategory    = Alias{"category"}
)

func (a *classifiedsAdapter) Normalize(st StreamSpec, payload []byte) (*domain.RecordSet, error) {
	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode classifieds payload: %w", err)
	}

	rs := &domain.RecordSet{}
	for _, raw := range envelope.Data {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			rs.Skipped++
			continue
		}
		listing, seller, err := a.normalizeOffer(st, obj)
		if err != nil {
			rs.Skipped++
			continue
		}
		rs.Listings = append(rs.Listings, listing)
		if seller != nil {
			rs.Sellers = append(rs.Sellers, *seller)
		}
	}
	return rs, nil
}

func (a *classifiedsAdapter) normalizeOffer(st StreamSpec, obj map[string]any) (domain.Listing, *domain.Seller, error) {
	srcID := st.Source.ID

	externalID, err := requireStr(srcID, obj, clsID, "id")
	if err != nil {
		return domain.Listing{}, nil, err
	}
	title, err := requireStr(srcID, obj, clsTitle, "title")
	if err != nil {
		return domain.Listing{}, nil, err
	}

	listing := domain.Listing{
		Source:     srcID,
		ExternalID: externalID,
		Title:      title,
		Currency:   st.Source.Currency,
		Status:     listingStatus(obj),
		PostedAt:   optTime(obj, clsCreated),
	}

	if desc, ok := clsDescription.Str(obj); ok {
		listing.Description = flattenHTML(desc)
	}

	// Price is either a nested {value, currency} object or a flat number.
	if price, ok := clsPrice.Map(obj); ok {
		listing.Price = optMinorUnits(price, clsPriceValue)
		if cur, ok := (Alias{"currency"}).Str(price); ok {
			listing.Currency = cur
		}
	} else {
		listing.Price = optMinorUnits(obj, clsPrice)
	}

	if loc, ok := clsLocation.Map(obj); ok {
		if city, ok := clsCity.Map(loc); ok {
			listing.City = optStr(city, clsCityName)
		}
	}
	if listing.City == nil {
		listing.City = optStr(obj, clsCity)
	}

	if params, ok := clsParams.lookup(obj); ok {
		listing.Attributes = stringifyAttributes(params)
	}
	if cat, ok := clsCategory.Map(obj); ok {
		if name, ok := (Alias{"name", "title"}).Str(cat); ok {
			if listing.Attributes == nil {
				listing.Attributes = make(map[string]string)
			}
			listing.Attributes["category"] = name
		}
	}

	var seller *domain.Seller
	if user, ok := clsUser.Map(obj); ok {
		if userID, ok := clsUserID.Str(user); ok {
			name, _ := clsUserName.Str(user)
			seller = &domain.Seller{
				Source:     srcID,
				ExternalID: userID,
				Name:       name,
				Contact:    optStr(user, clsUserPhone),
			}
			listing.SellerID = userID
		}
	}

	return listing, seller, nil
}

// listingStatus maps the raw status field; values outside the known set
// report as unknown rather than guessing.
func listingStatus(obj map[string]any) domain.ListingStatus {
	raw, ok := clsStatus.Str(obj)
	if !ok {
		return domain.StatusActive
	}
	switch raw {
	case "active", "new":
		return domain.StatusActive
	case "sold", "finished":
		return domain.StatusSold
	case "expired", "outdated":
		return domain.StatusExpired
	case "unavailable", "removed_by_user", "moderated":
		return domain.StatusUnavailable
	default:
		return domain.StatusUnknown
	}
}

func (a *classifiedsAdapter) Advance(st StreamSpec, cur cursor.State) cursor.State {
	cur.Page++
	if st.Source.MaxPages > 0 && cur.Page >= st.Source.MaxPages {
		if st.Source.Wrap {
			cur.Page = 0
			cur.Cycles++
		} else {
			cur.Completed = true
		}
	}
	return cur
}
