// Package opcode implements the structured instruction table spec.md §4.3
// describes: opcode ids are built from a family/operation/variant triple,
// and the table maps each id to its name, encoded length, operand-source
// signature and execution behavior. The table is a process-wide singleton,
// built once at package init and guarded against re-registration (spec.md
// §9 "Global mutable state"), the same shape as the teacher's
// libs/strategies.Registry generalized from trading strategies to VM
// opcodes.
package opcode

// Field widths. The recommended 6-bit-per-field layout (spec.md §4.3)
// yields 4096 opcodes per family.
const (
	variantBits   = 6
	operationBits = 6

	// OMult is the multiplier separating the operation field from the
	// variant field: mutating an opcode by ±1 changes only the variant.
	OMult = 1 << variantBits
	// FMult is the multiplier separating the family field: mutating an
	// opcode by ±OMult changes only the operation; by ±FMult, the family.
	FMult = OMult << operationBits
)

// ID is a structured opcode identifier: family·FMult + operation·OMult + variant.
type ID uint32

// Encode builds an ID from its three fields.
func Encode(family, operation, variant int) ID {
	return ID(family*FMult + operation*OMult + variant)
}

// Family returns the opcode's family field.
func (id ID) Family() int { return int(id) / FMult }

// Operation returns the opcode's operation field.
func (id ID) Operation() int { return (int(id) / OMult) % (1 << operationBits) }

// Variant returns the opcode's variant field.
func (id ID) Variant() int { return int(id) % OMult }

// Family groups semantically related instructions, per spec.md §4.3.
const (
	FamilyArithmetic int = iota
	FamilyBitwise
	FamilyDataMovement
	FamilyConditional
	FamilyControlFlow
	FamilyEnvironment
	FamilyState
	FamilyLocation
	FamilyVector
	FamilySpecial
)

// OperandSource is where an operand's value comes from.
type OperandSource int

const (
	Register OperandSource = iota
	Immediate
	Stack
	Vector
	Label
	LocationRegister
)

func (s OperandSource) String() string {
	switch s {
	case Register:
		return "REGISTER"
	case Immediate:
		return "IMMEDIATE"
	case Stack:
		return "STACK"
	case Vector:
		return "VECTOR"
	case Label:
		return "LABEL"
	case LocationRegister:
		return "LOCATION_REGISTER"
	default:
		return "UNKNOWN"
	}
}

// Variant groups instructions by operand-source arity, per spec.md §4.3's
// enumerated variant set.
type Variant int

const (
	VariantNone Variant = iota
	VariantR
	VariantI
	VariantS
	VariantV
	VariantL
	VariantRR
	VariantRI
	VariantRS
	VariantRV
	VariantRL
	VariantSS
	VariantSV
	VariantLL
	VariantRRR
	VariantRRI
	VariantRII
	VariantSSS
	VariantVIV
)

// operandSourcesByVariant is the fixed mapping from a variant to the
// ordered operand-source list its instructions declare.
var operandSourcesByVariant = map[Variant][]OperandSource{
	VariantNone: {},
	VariantR:    {Register},
	VariantI:    {Immediate},
	VariantS:    {Stack},
	VariantV:    {Vector},
	VariantL:    {LocationRegister},
	VariantRR:   {Register, Register},
	VariantRI:   {Register, Immediate},
	VariantRS:   {Register, Stack},
	VariantRV:   {Register, Vector},
	VariantRL:   {Register, LocationRegister},
	VariantSS:   {Stack, Stack},
	VariantSV:   {Stack, Vector},
	VariantLL:   {LocationRegister, LocationRegister},
	VariantRRR:  {Register, Register, Register},
	VariantRRI:  {Register, Register, Immediate},
	VariantRII:  {Register, Immediate, Immediate},
	VariantSSS:  {Stack, Stack, Stack},
	VariantVIV:  {Vector, Immediate, Vector},
}

// OperandSources returns the operand-source list a variant declares.
func OperandSources(v Variant) []OperandSource {
	return operandSourcesByVariant[v]
}
