package orders

import (
	"fmt"
	"math"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// validate is safe for concurrent use and never reconfigured after init.
var validate = newValidator()

func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("finite", func(fl validatorv10.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	v.RegisterStructValidation(subtotalMatchesItems, StoredOrder{})
	return v
}

// subtotalMatchesItems checks the subtotal against the items, in cents.
func subtotalMatchesItems(sl validatorv10.StructLevel) {
	o := sl.Current().Interface().(StoredOrder)

	var sum float64
	for _, it := range o.Items {
		sum += float64(it.Quantity) * it.UnitPrice
	}
	sumCents := int64(math.Round(sum * 100))
	subtotalCents := int64(math.Round(o.Subtotal * 100))
	if d := sumCents - subtotalCents; d > 1 || d < -1 {
		sl.ReportError(o.Subtotal, "subtotal", "Subtotal", "subtotal_matches_items",
			fmt.Sprintf("items sum %.2f != subtotal %.2f", sum, o.Subtotal))
	}
}

// Validate checks the shape of an order before it touches storage.
func Validate(o *StoredOrder) error {
	if o == nil {
		return &ValidationError{Fields: map[string]string{"order": "required"}}
	}
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	ves, ok := err.(validatorv10.ValidationErrors)
	if !ok {
		return &ValidationError{Fields: map[string]string{"order": err.Error()}}
	}
	fields := make(map[string]string, len(ves))
	for _, fe := range ves {
		name := strings.TrimPrefix(fe.StructNamespace(), "StoredOrder.")
		fields[name] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}
