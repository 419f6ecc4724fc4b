package tariff

import (
	"fmt"
	"sort"
	"time"
)

// Tariff codes
const (
	SurvolKm         = "SURVOL_KM"
	SurvolMinute     = "SURVOL_MINUTE"
	SurvolHybridTime = "SURVOL_HYBRID_TIME"
	SurvolHybridDist = "SURVOL_HYBRID_DIST"
	TonnageRate      = "TONNAGE_RATE"
	LandingBase      = "LANDING_BASE"
	ParkingHour      = "PARKING_HOUR"
	NightSurcharge   = "NIGHT_SURCHARGE"
	TVARate          = "TVA_RATE"
)

// Rate is one version of a tariff code.
type Rate struct {
	Code          string    `json:"code" toml:"code"`
	Value         float64   `json:"value" toml:"value"`
	Unit          string    `json:"unit" toml:"unit"`
	Active        bool      `json:"active" toml:"active"`
	EffectiveDate time.Time `json:"effective_date" toml:"effective_date"`
}

var defaults = map[string]Rate{
	SurvolKm:         {Code: SurvolKm, Value: 0.85, Unit: "USD/km", Active: true},
	SurvolMinute:     {Code: SurvolMinute, Value: 12.50, Unit: "USD/min", Active: true},
	SurvolHybridTime: {Code: SurvolHybridTime, Value: 6.00, Unit: "USD/min", Active: true},
	SurvolHybridDist: {Code: SurvolHybridDist, Value: 0.40, Unit: "USD/km", Active: true},
	TonnageRate:      {Code: TonnageRate, Value: 2.50, Unit: "USD/t", Active: true},
	LandingBase:      {Code: LandingBase, Value: 150.00, Unit: "USD", Active: true},
	ParkingHour:      {Code: ParkingHour, Value: 25.00, Unit: "USD/h", Active: true},
	NightSurcharge:   {Code: NightSurcharge, Value: 25, Unit: "%", Active: true},
	TVARate:          {Code: TVARate, Value: 16, Unit: "%", Active: true},
}

// Default returns the compiled-in rate for code.
func Default(code string) (Rate, bool) {
	r, ok := defaults[code]
	return r, ok
}

// Codes lists every known tariff code in a stable order.
func Codes() []string {
	codes := make([]string, 0, len(defaults))
	for c := range defaults {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// MissingTariffError reports a code with no active rate in effect. The
// accompanying rate is the compiled-in default.
type MissingTariffError struct {
	Code string
	AsOf time.Time
}

func (e *MissingTariffError) Error() string {
	return fmt.Sprintf("no active tariff %s effective at %s, using default", e.Code, e.AsOf.Format(time.RFC3339))
}

// Table is an immutable snapshot of tariff rates. Build a new Table to change
// rates; never modify one in place.
type Table struct {
	versions map[string][]Rate // active only, ascending by effective date
	source   string
	loadedAt time.Time
}

// NewTable builds a table from rate versions. Inactive versions are dropped.
func NewTable(rates []Rate, source string, loadedAt time.Time) *Table {
	t := &Table{
		versions: make(map[string][]Rate),
		source:   source,
		loadedAt: loadedAt,
	}
	for _, r := range rates {
		if !r.Active || r.Code == "" {
			continue
		}
		t.versions[r.Code] = append(t.versions[r.Code], r)
	}
	for code := range t.versions {
		v := t.versions[code]
		sort.SliceStable(v, func(i, j int) bool {
			return v[i].EffectiveDate.Before(v[j].EffectiveDate)
		})
	}
	return t
}

// DefaultsTable returns a table with no configured rates; every lookup
// degrades to the default.
func DefaultsTable() *Table {
	return NewTable(nil, "defaults", time.Time{})
}

// Lookup returns the latest active rate for code effective at or before asOf.
// When none exists it returns the default rate together with a
// *MissingTariffError so callers can flag the result as degraded.
func (t *Table) Lookup(code string, asOf time.Time) (Rate, error) {
	if t != nil {
		v := t.versions[code]
		i := sort.Search(len(v), func(i int) bool {
			return v[i].EffectiveDate.After(asOf)
		})
		if i > 0 {
			return v[i-1], nil
		}
	}

	def, ok := defaults[code]
	if !ok {
		def = Rate{Code: code}
	}
	return def, &MissingTariffError{Code: code, AsOf: asOf}
}

// Effective returns the rate in effect at asOf for every known code, marking
// the ones served from defaults.
func (t *Table) Effective(asOf time.Time) (rates []Rate, missing []string) {
	for _, code := range Codes() {
		r, err := t.Lookup(code, asOf)
		if err != nil {
			missing = append(missing, code)
		}
		rates = append(rates, r)
	}
	return rates, missing
}

// Source returns the name of the source the table was loaded from.
func (t *Table) Source() string { return t.source }

// LoadedAt returns when the table was built.
func (t *Table) LoadedAt() time.Time { return t.loadedAt }
