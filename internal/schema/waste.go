// Package schema holds the concrete intake rule tables. A table is built
// once at startup and injected into the core service.
package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/bulkwaste/internal/core"
)

// WasteVersion identifies the waste movement rule table.
const WasteVersion = "waste-movement-v1"

// Column keys of the waste movement file.
const (
	FieldCustomerRef      = "customer_reference"
	FieldProducerName     = "producer_name"
	FieldProducerAddress  = "producer_address"
	FieldProducerPostcode = "producer_postcode"
	FieldProducerEmail    = "producer_email"
	FieldCollectionDate   = "collection_date"
	FieldEWCCodes         = "ewc_codes"
	FieldDescription      = "waste_description"
	FieldQuantity         = "quantity"
	FieldQuantityUnit     = "quantity_unit"
	FieldHazardous        = "hazardous"
)

// WasteColumns is the intake file layout, in template column order.
var WasteColumns = []core.Column{
	{Key: FieldCustomerRef, Header: "Customer Reference"},
	{Key: FieldProducerName, Header: "Producer Name", Required: true},
	{Key: FieldProducerAddress, Header: "Producer Address", Required: true},
	{Key: FieldProducerPostcode, Header: "Producer Postcode", Required: true},
	{Key: FieldProducerEmail, Header: "Producer Email"},
	{Key: FieldCollectionDate, Header: "Collection Date", Required: true},
	{Key: FieldEWCCodes, Header: "EWC Codes", Required: true},
	{Key: FieldDescription, Header: "Waste Description", Required: true},
	{Key: FieldQuantity, Header: "Quantity", Required: true},
	{Key: FieldQuantityUnit, Header: "Quantity Unit", Required: true},
	{Key: FieldHazardous, Header: "Hazardous", Required: true},
}

// Quantity units.
const (
	UnitTonnes      = "tonnes"
	UnitKilograms   = "kilograms"
	UnitCubicMetres = "cubic metres"
	UnitLitres      = "litres"
)

// Row error codes specific to waste movements.
const (
	CodeInvalidPostcode    = "INVALID_POSTCODE"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeNotWorkingDay      = "NOT_WORKING_DAY"
	CodeTooSoon            = "COLLECTION_TOO_SOON"
	CodeTooFar             = "COLLECTION_TOO_FAR"
	CodeInvalidEWC         = "INVALID_EWC_CODE"
	CodeDuplicateEWC       = "DUPLICATE_EWC_CODE"
	CodeInvalidQuantity    = "INVALID_QUANTITY"
	CodeQuantityNotPos     = "QUANTITY_NOT_POSITIVE"
	CodeQuantityPrecision  = "QUANTITY_PRECISION"
	CodeQuantityOverLimit  = "QUANTITY_OVER_LIMIT"
	CodeHazardousMismatch  = "HAZARDOUS_MISMATCH"
	CodeHazardousUnflagged = "HAZARDOUS_CODE_UNFLAGGED"
)

// Options are the business parameters of the waste rule table.
type Options struct {
	MinLeadDays  int         // Earliest collection is today plus this many days
	MaxAheadDays int         // Latest collection is today plus this many days
	Holidays     []time.Time // Dates on which no collection is made
	Limits       map[string]decimal.Decimal
}

// DefaultLimits cap a single movement per unit, roughly one articulated
// load.
var DefaultLimits = map[string]decimal.Decimal{
	UnitTonnes:      decimal.NewFromInt(30),
	UnitKilograms:   decimal.NewFromInt(30000),
	UnitCubicMetres: decimal.NewFromInt(80),
	UnitLitres:      decimal.NewFromInt(80000),
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MinLeadDays: 1, MaxAheadDays: 365, Limits: DefaultLimits}
}

// EWCCode is one European Waste Catalogue code in "XX XX XX" form.
type EWCCode struct {
	Code      string `json:"code"`
	Hazardous bool   `json:"hazardous"` // Marked with an asterisk
}

func (c EWCCode) String() string {
	if c.Hazardous {
		return c.Code + "*"
	}
	return c.Code
}

// Movement is the stored payload of a valid row.
type Movement struct {
	CustomerReference string          `json:"customerReference,omitempty"`
	ProducerName      string          `json:"producerName"`
	ProducerAddress   string          `json:"producerAddress"`
	ProducerPostcode  string          `json:"producerPostcode"`
	ProducerEmail     string          `json:"producerEmail,omitempty"`
	CollectionDate    string          `json:"collectionDate"`
	EWCCodes          []EWCCode       `json:"ewcCodes"`
	WasteDescription  string          `json:"wasteDescription"`
	Quantity          decimal.Decimal `json:"quantity"`
	QuantityUnit      string          `json:"quantityUnit"`
	Hazardous         bool            `json:"hazardous"`
}

var (
	// UK postcode, outward and inward parts with an optional space.
	postcodeRe = regexp.MustCompile(`^([A-Z]{1,2}[0-9][A-Z0-9]?) ?([0-9][A-Z]{2})$`)
	ewcRe      = regexp.MustCompile(`^([0-9]{2}) ?([0-9]{2}) ?([0-9]{2})(\*?)$`)
)

// NewWasteRuleSet builds the waste movement rule table.
func NewWasteRuleSet(opts Options) (*core.RuleSet, error) {
	if opts.MinLeadDays < 0 || opts.MaxAheadDays < opts.MinLeadDays {
		return nil, fmt.Errorf("%w: collection window %d..%d days", core.ErrMalformedRuleSet, opts.MinLeadDays, opts.MaxAheadDays)
	}
	if opts.Limits == nil {
		opts.Limits = DefaultLimits
	}

	holidays := make(map[string]bool, len(opts.Holidays))
	for _, h := range opts.Holidays {
		holidays[core.DateOf(h).Format(time.DateOnly)] = true
	}
	validate := validator.New()

	rules := []core.Rule{
		core.MaxLength(FieldCustomerRef, "Customer reference", 50),

		core.Required(FieldProducerName, "producer name"),
		core.MaxLength(FieldProducerName, "Producer name", 100),

		core.Required(FieldProducerAddress, "producer address"),
		core.MaxLength(FieldProducerAddress, "Producer address", 250),

		core.Required(FieldProducerPostcode, "producer postcode"),
		core.Check("postcode:"+FieldProducerPostcode, FieldProducerPostcode, func(s string, _ core.Input) core.Outcome {
			m := postcodeRe.FindStringSubmatch(strings.ToUpper(s))
			if m == nil {
				return core.FieldErr(CodeInvalidPostcode, "Enter a real postcode, like SW1A 1AA")
			}
			return core.Ok(m[1] + " " + m[2])
		}),

		core.Check("email:"+FieldProducerEmail, FieldProducerEmail, func(s string, _ core.Input) core.Outcome {
			if err := validate.Var(s, "email"); err != nil {
				return core.FieldErr(CodeInvalidEmail, "Enter an email address in the correct format, like name@example.com")
			}
			return core.Ok(nil)
		}),

		core.Required(FieldCollectionDate, "collection date"),
		core.CalendarDate(FieldCollectionDate, "Collection date"),
		core.Check("working_day:"+FieldCollectionDate, FieldCollectionDate, func(d time.Time, _ core.Input) core.Outcome {
			if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday || holidays[d.Format(time.DateOnly)] {
				return core.FieldErr(CodeNotWorkingDay, "Collection date must be a working day")
			}
			return core.Ok(nil)
		}),
		core.Check("window:"+FieldCollectionDate, FieldCollectionDate, func(d time.Time, in core.Input) core.Outcome {
			today := core.DateOf(in.Env.Today)
			if earliest := today.AddDate(0, 0, opts.MinLeadDays); d.Before(earliest) {
				return core.FieldErr(CodeTooSoon, "Collection date must be on or after %s", earliest.Format("02/01/2006"))
			}
			if latest := today.AddDate(0, 0, opts.MaxAheadDays); d.After(latest) {
				return core.FieldErr(CodeTooFar, "Collection date must be on or before %s", latest.Format("02/01/2006"))
			}
			return core.Ok(nil)
		}),

		core.Required(FieldEWCCodes, "EWC codes"),
		core.Check("ewc:"+FieldEWCCodes, FieldEWCCodes, func(s string, _ core.Input) core.Outcome {
			codes, out := parseEWCCodes(s)
			if !out.IsOk() {
				return out
			}
			return core.Ok(codes)
		}),

		core.Required(FieldDescription, "waste description"),
		core.MaxLength(FieldDescription, "Waste description", 500),

		core.Required(FieldQuantity, "quantity"),
		core.Check("decimal:"+FieldQuantity, FieldQuantity, func(s string, _ core.Input) core.Outcome {
			q, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
			if err != nil {
				return core.FieldErr(CodeInvalidQuantity, "Quantity must be a number")
			}
			return core.Ok(q)
		}),
		core.Check("positive:"+FieldQuantity, FieldQuantity, func(q decimal.Decimal, _ core.Input) core.Outcome {
			if !q.IsPositive() {
				return core.FieldErr(CodeQuantityNotPos, "Quantity must be more than 0")
			}
			if !q.Equal(q.Truncate(3)) {
				return core.FieldErr(CodeQuantityPrecision, "Quantity must have 3 decimal places or fewer")
			}
			return core.Ok(nil)
		}),

		core.Required(FieldQuantityUnit, "quantity unit"),
		core.OneOf(FieldQuantityUnit, "Quantity unit", UnitTonnes, UnitKilograms, UnitCubicMetres, UnitLitres),

		core.Required(FieldHazardous, "whether the waste is hazardous"),
		core.Check("yes_no:"+FieldHazardous, FieldHazardous, func(s string, _ core.Input) core.Outcome {
			switch strings.ToLower(s) {
			case "y", "yes", "true":
				return core.Ok(true)
			case "n", "no", "false":
				return core.Ok(false)
			}
			return core.FieldErr(core.CodeInvalidEnum, "Hazardous must be Y or N")
		}),

		core.Cross("hazardous_matches_codes", []string{FieldHazardous, FieldEWCCodes}, func(in core.Input) core.Outcome {
			hazardous, _ := core.Value[bool](in, FieldHazardous)
			codes, _ := core.Value[[]EWCCode](in, FieldEWCCodes)
			marked := false
			for _, c := range codes {
				marked = marked || c.Hazardous
			}
			switch {
			case hazardous && !marked:
				return core.StructuralErr(CodeHazardousMismatch, "Hazardous waste must include at least one EWC code marked with *")
			case !hazardous && marked:
				return core.StructuralErr(CodeHazardousUnflagged, "An EWC code is marked hazardous with *, so Hazardous must be Y")
			}
			return core.Ok(nil)
		}),
		core.Cross("quantity_limit", []string{FieldQuantity, FieldQuantityUnit}, func(in core.Input) core.Outcome {
			q, _ := core.Value[decimal.Decimal](in, FieldQuantity)
			unit, _ := core.Value[string](in, FieldQuantityUnit)
			if limit, ok := opts.Limits[unit]; ok && q.GreaterThan(limit) {
				return core.StructuralErr(CodeQuantityOverLimit, "Quantity must be %s %s or less for a single movement", limit.String(), unit)
			}
			return core.Ok(nil)
		}),
	}

	return core.NewRuleSet(WasteVersion, WasteColumns, rules, materializeMovement)
}

// MustWasteRuleSet is NewWasteRuleSet for known-good options.
func MustWasteRuleSet(opts Options) *core.RuleSet {
	rs, err := NewWasteRuleSet(opts)
	if err != nil {
		panic(err)
	}
	return rs
}

func materializeMovement(in core.Input) (any, core.SubmissionKeys) {
	date, _ := core.Value[time.Time](in, FieldCollectionDate)
	codes, _ := core.Value[[]EWCCode](in, FieldEWCCodes)
	qty, _ := core.Value[decimal.Decimal](in, FieldQuantity)
	unit, _ := core.Value[string](in, FieldQuantityUnit)
	hazardous, _ := core.Value[bool](in, FieldHazardous)
	postcode, _ := core.Value[string](in, FieldProducerPostcode)

	m := Movement{
		CustomerReference: in.Str(FieldCustomerRef),
		ProducerName:      in.Str(FieldProducerName),
		ProducerAddress:   in.Str(FieldProducerAddress),
		ProducerPostcode:  postcode,
		ProducerEmail:     in.Str(FieldProducerEmail),
		CollectionDate:    date.Format(time.DateOnly),
		EWCCodes:          codes,
		WasteDescription:  in.Str(FieldDescription),
		Quantity:          qty,
		QuantityUnit:      unit,
		Hazardous:         hazardous,
	}

	keys := core.SubmissionKeys{
		CollectionDate: date,
		ProducerName:   m.ProducerName,
		ExternalRef:    m.CustomerReference,
	}
	for _, c := range codes {
		keys.EWCCodes = append(keys.EWCCodes, c.Code)
	}
	return m, keys
}

// NormalizeEWCCode returns s in "XX XX XX" form without any hazardous
// marker, the form submissions are filtered on. It reports false when s is
// not an EWC code.
func NormalizeEWCCode(s string) (string, bool) {
	m := ewcRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[1] < "01" || m[1] > "20" {
		return "", false
	}
	return m[1] + " " + m[2] + " " + m[3], true
}

// parseEWCCodes reads a list of codes separated by semicolons or commas.
// Each code is six digits, optionally grouped in pairs, with a trailing *
// for hazardous entries. Chapters run from 01 to 20.
func parseEWCCodes(s string) ([]EWCCode, core.Outcome) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	if len(parts) == 0 {
		return nil, core.FieldErr(core.CodeRequired, "Enter at least one EWC code")
	}

	seen := make(map[string]bool, len(parts))
	codes := make([]EWCCode, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		m := ewcRe.FindStringSubmatch(p)
		if m == nil {
			return nil, core.FieldErr(CodeInvalidEWC, "%q is not an EWC code. Use 6 digits, like 20 03 01", p)
		}
		if m[1] < "01" || m[1] > "20" {
			return nil, core.FieldErr(CodeInvalidEWC, "%q is not an EWC code. The first 2 digits must be 01 to 20", p)
		}
		code := m[1] + " " + m[2] + " " + m[3]
		if seen[code] {
			return nil, core.FieldErr(CodeDuplicateEWC, "EWC code %s is listed more than once", code)
		}
		seen[code] = true
		codes = append(codes, EWCCode{Code: code, Hazardous: m[4] == "*"})
	}
	return codes, core.Ok(nil)
}
