package model

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

type Kind string

const (
	KindSimple   Kind = "simple"
	KindAdvanced Kind = "advanced"
)

func (k Kind) Valid() bool { return k == KindSimple || k == KindAdvanced }

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3       { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3       { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3  { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64    { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Len() float64          { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Dist(o Vec3) float64   { return v.Sub(o).Len() }
func (v Vec3) MaxComponent() float64 { return math.Max(v.X, math.Max(v.Y, v.Z)) }
func (v Vec3) finite() bool          { return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z) }
func (v Vec3) IsZero() bool          { return v == Vec3{} }
func (v Vec3) String() string        { return fmt.Sprintf("(%.2f,%.2f,%.2f)", v.X, v.Y, v.Z) }
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

// Transform rotation is Euler XYZ in radians on every client.
type Transform struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
	Scale    Vec3 `json:"scale"`
}

// Feature is one sub-shape of an advanced object. Position, rotation and
// scale are relative to the owning object's transform.
type Feature struct {
	Type      string  `json:"type"`
	Name      string  `json:"name,omitempty"`
	Color     string  `json:"color,omitempty"`
	Position  Vec3    `json:"position"`
	Rotation  Vec3    `json:"rotation"`
	Scale     Vec3    `json:"scale"`
	Roughness float64 `json:"roughness,omitempty"`
	Metalness float64 `json:"metalness,omitempty"`
}

// Appearance carries shape/material for simple objects and the ordered
// feature list for advanced ones.
type Appearance struct {
	Shape    string    `json:"shape,omitempty"`
	Material string    `json:"material,omitempty"`
	Color    string    `json:"color,omitempty"`
	Size     float64   `json:"size,omitempty"`
	Features []Feature `json:"features,omitempty"`
}

// BuildObject is a placed, replicated world entity. Timestamps are Unix
// milliseconds; ExpiresAt == 0 means the object never expires.
type BuildObject struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Kind       Kind       `json:"kind"`
	Transform  Transform  `json:"transform"`
	Appearance Appearance `json:"appearance"`
	CreatedAt  int64      `json:"createdAt"`
	ExpiresAt  int64      `json:"expiresAt,omitempty"`
	IsAdvanced bool       `json:"isAdvanced"`
}

func (o BuildObject) Expires() bool { return o.ExpiresAt > 0 }

// ExpiredAt reports whether the object is due for removal at nowMs.
func (o BuildObject) ExpiredAt(nowMs int64) bool { return o.Expires() && o.ExpiresAt <= nowMs }

func (o BuildObject) Clone() BuildObject {
	c := o
	if o.Appearance.Features != nil {
		c.Appearance.Features = append([]Feature(nil), o.Appearance.Features...)
	}
	return c
}

// Equal compares every replicated field.
func Equal(a, b BuildObject) bool {
	if a.ID != b.ID || a.OwnerID != b.OwnerID || a.Kind != b.Kind || a.IsAdvanced != b.IsAdvanced {
		return false
	}
	if a.Transform != b.Transform || a.CreatedAt != b.CreatedAt || a.ExpiresAt != b.ExpiresAt {
		return false
	}
	aa, ba := a.Appearance, b.Appearance
	if aa.Shape != ba.Shape || aa.Material != ba.Material || aa.Color != ba.Color || aa.Size != ba.Size {
		return false
	}
	if len(aa.Features) != len(ba.Features) {
		return false
	}
	for i := range aa.Features {
		if aa.Features[i] != ba.Features[i] {
			return false
		}
	}
	return true
}

// Field limits. They match the build message schema so that an object
// accepted here is never rejected on the wire.
const (
	MaxIDLen          = 128
	MaxFeatures       = 256
	MaxFeatureTypeLen = 32
	MaxNameLen        = 64
	MaxLabelLen       = 32 // shape, material and color
)

var (
	ErrMissingID     = errors.New("missing id")
	ErrUnknownKind   = errors.New("unknown kind")
	ErrKindMismatch  = errors.New("isAdvanced does not match kind")
	ErrNonFinite     = errors.New("non-finite transform")
	ErrNoFeatures    = errors.New("advanced object without features")
	ErrMissingShape  = errors.New("simple object without shape")
	ErrExpiryInverse = errors.New("expiresAt before createdAt")
	ErrOutOfRange    = errors.New("value out of range")
	ErrTooLong       = errors.New("value too long")
)

func (o BuildObject) Validate() error {
	if o.ID == "" {
		return ErrMissingID
	}
	if err := maxLen("id", o.ID, MaxIDLen); err != nil {
		return err
	}
	if err := maxLen("ownerId", o.OwnerID, MaxIDLen); err != nil {
		return err
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}
	if o.IsAdvanced != (o.Kind == KindAdvanced) {
		return ErrKindMismatch
	}
	if o.CreatedAt < 0 || o.ExpiresAt < 0 {
		return fmt.Errorf("%w: negative timestamp", ErrOutOfRange)
	}
	t := o.Transform
	if !t.Position.finite() || !t.Rotation.finite() || !t.Scale.finite() {
		return ErrNonFinite
	}
	if err := o.Appearance.validate(); err != nil {
		return err
	}
	switch o.Kind {
	case KindSimple:
		if o.Appearance.Shape == "" {
			return ErrMissingShape
		}
	case KindAdvanced:
		if len(o.Appearance.Features) == 0 {
			return ErrNoFeatures
		}
	}
	if o.Expires() && o.ExpiresAt < o.CreatedAt {
		return ErrExpiryInverse
	}
	return nil
}

func (a Appearance) validate() error {
	for _, f := range []struct {
		name, v string
	}{{"shape", a.Shape}, {"material", a.Material}, {"color", a.Color}} {
		if err := maxLen(f.name, f.v, MaxLabelLen); err != nil {
			return err
		}
	}
	if a.Size < 0 || !isFinite(a.Size) {
		return fmt.Errorf("%w: size %v", ErrOutOfRange, a.Size)
	}
	if len(a.Features) > MaxFeatures {
		return fmt.Errorf("%w: %d features, max %d", ErrOutOfRange, len(a.Features), MaxFeatures)
	}
	for i, f := range a.Features {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks one feature on its own, as the tools do before adding it.
func (f Feature) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("%w: feature type is required", ErrOutOfRange)
	}
	if err := maxLen("type", f.Type, MaxFeatureTypeLen); err != nil {
		return err
	}
	if err := maxLen("name", f.Name, MaxNameLen); err != nil {
		return err
	}
	if err := maxLen("color", f.Color, MaxLabelLen); err != nil {
		return err
	}
	if !f.Position.finite() || !f.Rotation.finite() || !f.Scale.finite() {
		return ErrNonFinite
	}
	if !unit(f.Roughness) {
		return fmt.Errorf("%w: roughness %v", ErrOutOfRange, f.Roughness)
	}
	if !unit(f.Metalness) {
		return fmt.Errorf("%w: metalness %v", ErrOutOfRange, f.Metalness)
	}
	return nil
}

func maxLen(field, v string, n int) error {
	if utf8.RuneCountInString(v) > n {
		return fmt.Errorf("%w: %s longer than %d", ErrTooLong, field, n)
	}
	return nil
}

func unit(f float64) bool { return f >= 0 && f <= 1 }

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
