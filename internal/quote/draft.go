// Package quote models the assistant-proposed quote draft.
package quote

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

type Customer struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type Pricing struct {
	MaterialsTotal *float64 `json:"materialsTotal,omitempty"`
	LaborTotal     *float64 `json:"laborTotal,omitempty"`
	Markup         *float64 `json:"markup,omitempty"`
	Subtotal       *float64 `json:"subtotal,omitempty"`
	Total          *float64 `json:"total,omitempty"`
	Timeline       string   `json:"timeline,omitempty"`
}

// Draft is the quote payload returned by the assistant. The typed fields are
// a view used for decisions; Raw is what gets forwarded to the quotes
// endpoint so fields this service does not know about survive.
type Draft struct {
	Customer    Customer `json:"customer"`
	ProjectType string   `json:"projectType,omitempty"`
	Pricing     *Pricing `json:"pricing,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type draftFields Draft

func (d *Draft) UnmarshalJSON(b []byte) error {
	var f draftFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*d = Draft(f)
	d.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (d Draft) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	return json.Marshal(draftFields(d))
}

// Actionable reports whether the draft carries a usable price: pricing
// present with a non-zero total or subtotal.
func (d *Draft) Actionable() bool {
	if d == nil || d.Pricing == nil {
		return false
	}
	return nonZero(d.Pricing.Total) || nonZero(d.Pricing.Subtotal)
}

// Amount returns the total, falling back to the subtotal.
func (d *Draft) Amount() float64 {
	if d == nil || d.Pricing == nil {
		return 0
	}
	if nonZero(d.Pricing.Total) {
		return *d.Pricing.Total
	}
	if nonZero(d.Pricing.Subtotal) {
		return *d.Pricing.Subtotal
	}
	return 0
}

func nonZero(v *float64) bool {
	return v != nil && *v != 0
}

// Fingerprint identifies one assistant turn by its reply text and draft
// payload. Two deliveries of the same turn produce the same fingerprint.
func Fingerprint(reply string, d *Draft) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(reply))
	h.Write([]byte{0})
	if d != nil {
		b, err := json.Marshal(d)
		if err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
