package ws

import (
	"encoding/json"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/enrich"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/threatfeed"
)

// WireGeo is the client-facing location shape. CountryCode duplicates
// Country; older dashboard builds read country_code, newer ones country.
type WireGeo struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	City        string  `json:"city,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryName string  `json:"countryName,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
}

// WireAttack carries the raw attack detail block of an event frame.
type WireAttack struct {
	SourceIP        string `json:"source_ip,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`
	Service         string `json:"service,omitempty"`
	ThreatType      string `json:"threat_type"`
}

// WireEvent is one enriched event as sent to dashboard clients.
type WireEvent struct {
	Timestamp     time.Time  `json:"timestamp"`
	Geo           *WireGeo   `json:"geo"`
	SourceIP      string     `json:"sourceIP,omitempty"`
	DestinationIP string     `json:"destinationIP,omitempty"`
	IsOCDETarget  bool       `json:"isOCDETarget"`
	ThreatType    string     `json:"threatType"`
	Attack        WireAttack `json:"attack"`
}

// BatchFrame is the steady-state server frame: up to 50 events, serialized
// once, sent to every client unchanged.
type BatchFrame struct {
	Type   string      `json:"type"`
	Count  int         `json:"count"`
	Events []WireEvent `json:"events"`
}

// FeedFrame delivers the active threat-feed list.
type FeedFrame struct {
	Type  string            `json:"type"`
	Items []threatfeed.Item `json:"items"`
}

// ToWire converts an enriched event to its client representation.
func ToWire(ev enrich.Event) WireEvent {
	out := WireEvent{
		Timestamp:     ev.Timestamp,
		SourceIP:      ev.SourceIP,
		DestinationIP: ev.DestinationIP,
		IsOCDETarget:  ev.IsTarget,
		ThreatType:    string(ev.ThreatType),
		Attack: WireAttack{
			SourceIP:        ev.SourceIP,
			DestinationIP:   ev.DestinationIP,
			DestinationPort: ev.DestPort,
			Service:         ev.Protocol,
			ThreatType:      string(ev.ThreatType),
		},
	}
	if ev.Geo != nil {
		out.Geo = &WireGeo{
			Latitude:    ev.Geo.Latitude,
			Longitude:   ev.Geo.Longitude,
			City:        ev.Geo.City,
			Country:     ev.Geo.Country,
			CountryName: ev.Geo.CountryName,
			CountryCode: ev.Geo.Country,
		}
	}
	return out
}

// MarshalBatchFrame serializes a batch once for all clients.
func MarshalBatchFrame(wireEvents []WireEvent) ([]byte, error) {
	return json.Marshal(BatchFrame{
		Type:   "batch",
		Count:  len(wireEvents),
		Events: wireEvents,
	})
}

// MarshalFeedFrame serializes a threat-feed frame. A nil slice still encodes
// as an empty array; the dashboard never sees null items.
func MarshalFeedFrame(items []threatfeed.Item) ([]byte, error) {
	if items == nil {
		items = []threatfeed.Item{}
	}
	return json.Marshal(FeedFrame{Type: "threat-feed", Items: items})
}
