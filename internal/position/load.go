package position

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// record is the declarative form of a position.
type record struct {
	ID              string   `yaml:"id"`
	Ticker          string   `yaml:"ticker"`
	Type            string   `yaml:"type"`
	Expiry          string   `yaml:"expiry"`
	Strike          *float64 `yaml:"strike"`
	LongStrike      *float64 `yaml:"long_strike"`
	ShortStrike     *float64 `yaml:"short_strike"`
	EntryPrice      *float64 `yaml:"entry_price"`
	EntryUnderlying *float64 `yaml:"entry_underlying"`
	EntryDate       string   `yaml:"entry_date"`
	Quantity        *int     `yaml:"quantity"`
	PreviousPeak    *float64 `yaml:"previous_peak"`
	Enabled         *bool    `yaml:"enabled"`
}

type document struct {
	Positions []record `yaml:"positions"`
}

// LoadFile reads position records from a YAML file.
func LoadFile(path string) ([]Position, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read positions file: %w", err)
	}
	return Load(bytes.NewReader(raw))
}

// Load parses a YAML document holding either a list of records or a
// positions: key. Nothing is returned unless every record is valid.
func Load(r io.Reader) ([]Position, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}

	records, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}

	var (
		out  = make([]Position, 0, len(records))
		errs []error
		seen = make(map[string]int, len(records))
	)
	for i, rec := range records {
		pos, err := rec.toPosition()
		if err != nil {
			errs = append(errs, withIndex(err, i+1))
			continue
		}
		if first, dup := seen[pos.ID]; dup {
			errs = append(errs, &ConfigError{Index: i + 1, Ticker: pos.Ticker, Field: "id",
				Reason: fmt.Sprintf("%q duplicates record %d", pos.ID, first)})
			continue
		}
		seen[pos.ID] = i + 1
		out = append(out, pos)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func decodeRecords(raw []byte) ([]record, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, &ConfigError{Field: "document", Reason: err.Error()}
	}

	body := root
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		body = *root.Content[0]
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	switch body.Kind {
	case yaml.SequenceNode:
		var records []record
		if err := dec.Decode(&records); err != nil {
			return nil, &ConfigError{Field: "document", Reason: err.Error()}
		}
		return records, nil
	case yaml.MappingNode:
		var doc document
		if err := dec.Decode(&doc); err != nil {
			return nil, &ConfigError{Field: "document", Reason: err.Error()}
		}
		return doc.Positions, nil
	default:
		return nil, &ConfigError{Field: "document", Reason: "must be a list of positions or a positions: mapping"}
	}
}

func (r record) toPosition() (Position, error) {
	ticker := strings.ToUpper(strings.TrimSpace(r.Ticker))
	if ticker == "" {
		return Position{}, &ConfigError{Field: "ticker", Reason: "is required"}
	}
	typ, err := ParseType(r.Type)
	if err != nil {
		return Position{}, &ConfigError{Ticker: ticker, Field: "type", Reason: err.Error()}
	}

	pos := Position{
		Ticker:          ticker,
		Type:            typ,
		Strike:          optionalDecimal(r.Strike),
		ShortStrike:     optionalDecimal(r.ShortStrike),
		EntryUnderlying: optionalDecimal(r.EntryUnderlying),
		PreviousPeak:    optionalDecimal(r.PreviousPeak),
		Quantity:        1,
		Enabled:         true,
	}
	if pos.Strike == nil {
		pos.Strike = optionalDecimal(r.LongStrike)
	}
	if r.EntryPrice == nil {
		return Position{}, &ConfigError{Ticker: ticker, Field: "entry_price", Reason: "is required"}
	}
	pos.EntryPrice = decimal.NewFromFloat(*r.EntryPrice)
	if r.Quantity != nil {
		pos.Quantity = *r.Quantity
	}
	if r.Enabled != nil {
		pos.Enabled = *r.Enabled
	}

	if r.Expiry != "" {
		exp, err := time.Parse(DateLayout, strings.TrimSpace(r.Expiry))
		if err != nil {
			return Position{}, &ConfigError{Ticker: ticker, Field: "expiry", Reason: fmt.Sprintf("invalid date %q", r.Expiry)}
		}
		pos.Expiry = &exp
	}
	if r.EntryDate != "" {
		entry, err := time.Parse(DateLayout, strings.TrimSpace(r.EntryDate))
		if err != nil {
			return Position{}, &ConfigError{Ticker: ticker, Field: "entry_date", Reason: fmt.Sprintf("invalid date %q", r.EntryDate)}
		}
		pos.EntryDate = entry
	}

	if err := pos.Validate(); err != nil {
		return Position{}, err
	}
	if pos.Expiry != nil && !pos.EntryDate.IsZero() && pos.EntryDate.After(*pos.Expiry) {
		return Position{}, &ConfigError{Ticker: ticker, Field: "entry_date", Reason: "is after expiry"}
	}

	pos.ID = strings.TrimSpace(r.ID)
	if pos.ID == "" {
		pos.ID = pos.Key()
	}
	return pos, nil
}

func optionalDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func withIndex(err error, index int) error {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		cfgErr.Index = index
		return cfgErr
	}
	return &ConfigError{Index: index, Field: "record", Reason: err.Error()}
}
