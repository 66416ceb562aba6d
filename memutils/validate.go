package memutils

// Validatable is implemented by block metadata and block lists so that DebugValidate can run their
// consistency checks after every mutation in debug builds
type Validatable interface {
	Validate() error
}
