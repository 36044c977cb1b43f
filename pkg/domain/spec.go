package domain

// SpecKind distinguishes acquired from derived spec declarations.
type SpecKind string

// Spec kinds.
const (
	// SpecAcquired marks a slot supplied externally to the study.
	SpecAcquired SpecKind = "acquired"
	// SpecDerived marks a slot produced by a named pipeline.
	SpecDerived SpecKind = "derived"
)

// Spec declares a named data slot a study consumes or produces. It is a
// tagged variant: acquired specs carry acceptable formats, optionality and
// an optional default; derived specs name their producing pipeline and
// the single output format.
type Spec struct {
	Name      string    `json:"name"`
	Kind      ItemKind  `json:"kind"`
	SpecKind  SpecKind  `json:"spec_kind"`
	Frequency Frequency `json:"frequency"`

	// Acquired payload.
	ValidFormats []string    `json:"valid_formats,omitempty"`
	Optional     bool        `json:"optional,omitempty"`
	Default      *Collection `json:"-"`

	// Derived payload.
	PipelineName string `json:"pipeline_name,omitempty"`
	Format       string `json:"format,omitempty"`

	// Field payload (either spec kind).
	DType DType `json:"dtype,omitempty"`
	Array bool  `json:"array,omitempty"`

	// Description is free-form documentation for study authors.
	Description string `json:"description,omitempty"`
}

// Derived reports whether the spec is produced by a pipeline.
func (s Spec) Derived() bool { return s.SpecKind == SpecDerived }

// validate enforces construction invariants common to both kinds.
func (s Spec) validate() error {
	if s.Name == "" {
		return Usagef("spec requires a name")
	}
	if !s.Frequency.Valid() {
		return NewError(KindUsage, s.Name, "invalid frequency %q", string(s.Frequency))
	}
	if s.Kind != KindFileset && s.Kind != KindField {
		return NewError(KindUsage, s.Name, "invalid item kind %q", string(s.Kind))
	}
	if s.Kind == KindField && s.DType == "" {
		return NewError(KindUsage, s.Name, "field spec requires a dtype")
	}
	return nil
}

// NewAcquiredFilesetSpec declares an externally supplied fileset slot.
func NewAcquiredFilesetSpec(name string, freq Frequency, validFormats []string, opts ...SpecOption) (Spec, error) {
	s := Spec{Name: name, Kind: KindFileset, SpecKind: SpecAcquired, Frequency: freq, ValidFormats: validFormats}
	return finishSpec(s, opts)
}

// NewAcquiredFieldSpec declares an externally supplied field slot.
func NewAcquiredFieldSpec(name string, freq Frequency, dtype DType, array bool, opts ...SpecOption) (Spec, error) {
	s := Spec{Name: name, Kind: KindField, SpecKind: SpecAcquired, Frequency: freq, DType: dtype, Array: array}
	return finishSpec(s, opts)
}

// NewDerivedFilesetSpec declares a fileset slot produced by pipelineName.
func NewDerivedFilesetSpec(name string, freq Frequency, format, pipelineName string, opts ...SpecOption) (Spec, error) {
	s := Spec{Name: name, Kind: KindFileset, SpecKind: SpecDerived, Frequency: freq, Format: format, PipelineName: pipelineName}
	return finishSpec(s, opts)
}

// NewDerivedFieldSpec declares a field slot produced by pipelineName.
func NewDerivedFieldSpec(name string, freq Frequency, dtype DType, array bool, pipelineName string, opts ...SpecOption) (Spec, error) {
	s := Spec{Name: name, Kind: KindField, SpecKind: SpecDerived, Frequency: freq, DType: dtype, Array: array, PipelineName: pipelineName}
	return finishSpec(s, opts)
}

// SpecOption customizes spec construction.
type SpecOption func(*Spec)

// WithOptional marks an acquired spec as optional.
func WithOptional() SpecOption {
	return func(s *Spec) { s.Optional = true }
}

// WithDefault attaches a default collection used when no acquired input
// is supplied for the spec.
func WithDefault(c Collection) SpecOption {
	return func(s *Spec) { s.Default = &c }
}

// WithDescription documents the spec.
func WithDescription(desc string) SpecOption {
	return func(s *Spec) { s.Description = desc }
}

func finishSpec(s Spec, opts []SpecOption) (Spec, error) {
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.validate(); err != nil {
		return Spec{}, err
	}
	if s.Derived() {
		if s.PipelineName == "" {
			return Spec{}, NewError(KindUsage, s.Name, "derived spec requires a pipeline name")
		}
		if s.Optional || s.Default != nil {
			return Spec{}, NewError(KindUsage, s.Name, "derived spec cannot be optional or defaulted")
		}
	} else {
		if s.Optional && s.Default != nil {
			return Spec{}, NewError(KindUsage, s.Name, "optional spec must not also declare a default")
		}
		if s.Default != nil && s.Default.Frequency() != s.Frequency {
			return Spec{}, NewError(KindUsage, s.Name, "default collection frequency %s does not match spec frequency %s",
				s.Default.Frequency(), s.Frequency)
		}
	}
	return s, nil
}
