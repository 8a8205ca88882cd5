package dto

// Validatable is implemented by request types that can validate their fields.
// The Wrap functions use it as a type constraint.
type Validatable interface {
	Validate() error
}
