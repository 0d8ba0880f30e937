package crm

import (
	"encoding/json"
	"strings"
)

// Order is the subset of the order payload the bot works with.
type Order struct {
	ID              int64       `json:"id"`
	Number          string      `json:"number"`
	Status          string      `json:"status"`
	Site            string      `json:"site"`
	TotalSum        float64     `json:"totalSumm"`
	ShipmentStore   string      `json:"shipmentStore"`
	FirstName       string      `json:"firstName"`
	LastName        string      `json:"lastName"`
	Phone           string      `json:"phone"`
	CustomerComment string      `json:"customerComment"`
	ManagerComment  string      `json:"managerComment"`
	Delivery        Delivery    `json:"delivery"`
	Items           []OrderItem `json:"items"`
}

// CustomerName joins the name parts the way they appear in notifications.
func (o Order) CustomerName() string {
	name := strings.TrimSpace(o.FirstName + " " + o.LastName)
	return name
}

// IsSelfDelivery reports whether the customer picks the order up themselves.
func (o Order) IsSelfDelivery() bool {
	return o.Delivery.Code == "self-delivery"
}

// Delivery describes how and when an order leaves the store.
type Delivery struct {
	Code    string       `json:"code"`
	Date    string       `json:"date"`
	Time    DeliveryTime `json:"time"`
	Address Address      `json:"address"`
}

// DeliveryTime is either a custom free-form label or a from/to range.
type DeliveryTime struct {
	Custom string `json:"customText"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// UnmarshalJSON accepts both the object form and a bare string.
func (t *DeliveryTime) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Custom = s
		return nil
	}
	type alias DeliveryTime
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = DeliveryTime(a)
	return nil
}

// Address holds the delivery address components used in notifications.
type Address struct {
	City     string `json:"city"`
	Street   string `json:"street"`
	Building string `json:"building"`
	Flat     string `json:"flat"`
	Text     string `json:"text"`
}

// OrderItem is one order line. Quantity may be fractional in the API
// but the bot treats it as a repeat count.
type OrderItem struct {
	Quantity float64 `json:"quantity"`
	Offer    Offer   `json:"offer"`
}

// Offer identifies the product variant on an order line.
type Offer struct {
	Article     string            `json:"article"`
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName"`
	Properties  map[string]string `json:"-"`
}

// UnmarshalJSON flattens offer properties, which arrive either as a
// map of plain strings or as {name, value} objects keyed by code.
func (of *Offer) UnmarshalJSON(data []byte) error {
	type alias struct {
		Article     string          `json:"article"`
		Name        string          `json:"name"`
		DisplayName string          `json:"displayName"`
		Properties  json.RawMessage `json:"properties"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	of.Article = a.Article
	of.Name = a.Name
	of.DisplayName = a.DisplayName
	of.Properties = parseOfferProperties(a.Properties)
	return nil
}

func parseOfferProperties(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var plain map[string]string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var structured map[string]struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &structured); err != nil {
		return nil
	}
	out := make(map[string]string, len(structured))
	for code, prop := range structured {
		out[code] = prop.Value
		if prop.Name != "" {
			out[prop.Name] = prop.Value
		}
	}
	return out
}

// Title prefers the display name over the catalog name.
func (of Offer) Title() string {
	if of.DisplayName != "" {
		return of.DisplayName
	}
	return of.Name
}

// Composition returns the bouquet composition property when present.
func (of Offer) Composition() string {
	if of.Properties == nil {
		return ""
	}
	return of.Properties["sostav"]
}

// Status is one entry of the order status reference.
type Status struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Group  string `json:"group"`
	Active bool   `json:"active"`
}

// StoreRef is one entry of the warehouse reference.
type StoreRef struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// product mirrors the catalog payload just enough to map offer
// articles to their primary image.
type product struct {
	ImageURL string `json:"imageUrl"`
	Article  string `json:"article"`
	Offers   []struct {
		Article  string   `json:"article"`
		ImageURL string   `json:"imageUrl"`
		Images   []string `json:"images"`
	} `json:"offers"`
}

func (p product) imageFor(offerArticle string) string {
	for _, offer := range p.Offers {
		if offer.Article != offerArticle {
			continue
		}
		if offer.ImageURL != "" {
			return offer.ImageURL
		}
		if len(offer.Images) > 0 {
			return offer.Images[0]
		}
	}
	return ""
}
