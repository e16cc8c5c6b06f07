package servers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Metadata accompanies a (possibly truncated) server list.
type Metadata struct {
	ListIsTruncated *bool `json:"ListIsTruncated,omitempty"`
}

// ServerListV1 is the legacy logicals payload; load and score are embedded
// in every record.
type ServerListV1 struct {
	LogicalServers []LogicalServer `json:"LogicalServers"`
	Metadata       *Metadata       `json:"Metadata,omitempty"`
}

// LogicalsResponse is the feature-stripped logicals payload used together
// with the binary status blob identified by StatusID.
type LogicalsResponse struct {
	StatusID       string          `json:"StatusID"`
	LogicalServers []LogicalServer `json:"LogicalServers"`
	Metadata       *Metadata       `json:"Metadata,omitempty"`
}

// LoadsResponse is the payload of a loads-only refresh.
type LoadsResponse struct {
	LogicalServers []struct {
		ID     string  `json:"ID"`
		Load   float32 `json:"Load"`
		Score  float64 `json:"Score"`
		Status IntBool `json:"Status"`
	} `json:"LogicalServers"`
}

// PhysicalServer is the wire form of a connecting domain.
type PhysicalServer struct {
	ID              string  `json:"ID"`
	EntryIP         string  `json:"EntryIP"`
	ExitIP          string  `json:"ExitIP"`
	Domain          string  `json:"Domain"`
	Label           string  `json:"Label,omitempty"`
	X25519PublicKey *string `json:"X25519PublicKey,omitempty"`
	Status          IntBool `json:"Status"`
}

// LogicalServer is the wire form of a server record.
type LogicalServer struct {
	ID              string             `json:"ID"`
	EntryCountry    string             `json:"EntryCountry"`
	ExitCountry     string             `json:"ExitCountry"`
	Name            string             `json:"Name"`
	Servers         []PhysicalServer   `json:"Servers"`
	HostCountry     *string            `json:"HostCountry,omitempty"`
	Load            float32            `json:"Load"`
	Tier            int                `json:"Tier"`
	State           *string            `json:"State,omitempty"`
	City            *string            `json:"City,omitempty"`
	Features        int                `json:"Features"`
	Location        *Location          `json:"Location,omitempty"` // older payloads
	ExitLocation    *Location          `json:"ExitLocation,omitempty"`
	EntryLocation   *Location          `json:"EntryLocation,omitempty"`
	Translations    map[string]*string `json:"Translations,omitempty"`
	GatewayName     *string            `json:"GatewayName,omitempty"`
	StatusReference *StatusReference   `json:"StatusReference,omitempty"`
	Score           float64            `json:"Score"`
	Status          IntBool            `json:"Status"`
	IsVisible       *IntBool           `json:"IsVisible,omitempty"`
}

// IntBool decodes booleans that the API sends as 0/1, true/false or "0"/"1".
type IntBool bool

func (v *IntBool) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = false
		return nil
	}

	var b bool
	if err := json.Unmarshal(trimmed, &b); err == nil {
		*v = IntBool(b)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err == nil {
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("invalid numeric bool: %s", string(trimmed))
		}
		*v = f != 0
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			*v = false
			return nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			*v = n != 0
			return nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("invalid bool string: %q", s)
		}
		*v = IntBool(b)
		return nil
	}

	return fmt.Errorf("unsupported bool value: %s", string(trimmed))
}

func (v IntBool) MarshalJSON() ([]byte, error) {
	if v {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// ToServer converts the wire record into the domain model.
func (l *LogicalServer) ToServer() Server {
	entry := NormalizeCountry(l.EntryCountry)
	exit := NormalizeCountry(l.ExitCountry)
	if exit == "" {
		exit = entry
	}
	if entry == "" {
		entry = exit
	}

	exitLoc := l.ExitLocation
	if exitLoc == nil {
		exitLoc = l.Location
	}

	s := Server{
		ID:            l.ID,
		EntryCountry:  entry,
		ExitCountry:   exit,
		Name:          l.Name,
		City:          deref(l.City),
		State:         deref(l.State),
		HostCountry:   NormalizeCountry(deref(l.HostCountry)),
		Tier:          l.Tier,
		Features:      Feature(l.Features),
		Load:          l.Load,
		Score:         l.Score,
		RawIsOnline:   bool(l.Status),
		IsVisible:     true,
		GatewayName:   deref(l.GatewayName),
		EntryLocation: copyLocation(l.EntryLocation),
		ExitLocation:  copyLocation(exitLoc),
	}
	if l.IsVisible != nil {
		s.IsVisible = bool(*l.IsVisible)
	}
	if l.StatusReference != nil {
		ref := *l.StatusReference
		s.StatusReference = &ref
	}

	for k, v := range l.Translations {
		if v == nil || *v == "" {
			continue
		}
		if s.Translations == nil {
			s.Translations = map[string]string{}
		}
		s.Translations[k] = *v
	}

	s.ConnectingDomains = make([]ConnectingDomain, 0, len(l.Servers))
	for _, p := range l.Servers {
		s.ConnectingDomains = append(s.ConnectingDomains, ConnectingDomain{
			ID:              p.ID,
			EntryDomain:     p.Domain,
			EntryIP:         p.EntryIP,
			ExitIP:          p.ExitIP,
			Label:           p.Label,
			PublicKeyX25519: deref(p.X25519PublicKey),
			Online:          bool(p.Status),
		})
	}
	return s
}

// ToServers converts a list of wire records.
func ToServers(list []LogicalServer) []Server {
	out := make([]Server, 0, len(list))
	for i := range list {
		out = append(out, list[i].ToServer())
	}
	return out
}

// IsTruncated returns the truncation flag, or nil when the response did
// not say.
func (m *Metadata) IsTruncated() *bool {
	if m == nil {
		return nil
	}
	return m.ListIsTruncated
}

// ToLoadUpdates converts a loads payload.
func (r *LoadsResponse) ToLoadUpdates() []LoadUpdate {
	out := make([]LoadUpdate, 0, len(r.LogicalServers))
	for _, l := range r.LogicalServers {
		out = append(out, LoadUpdate{
			ID:       l.ID,
			Load:     l.Load,
			Score:    l.Score,
			IsOnline: bool(l.Status),
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func copyLocation(l *Location) *Location {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}
