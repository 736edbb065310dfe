// Package record describes the logger's flash geometry and the binary layout
// of the samples it stores, and turns raw memory dumps back into samples.
package record

import "fmt"

// Flash geometry of the logger's SPI NOR part.
const (
	PageSize  = 256
	FlashSize = 16 * 1024 * 1024
	PageCount = FlashSize / PageSize

	// Erased is the value of every byte of unwritten flash.
	Erased byte = 0xFF
)

// Schema selects the per-sample record layout.
type Schema int

const (
	// SchemaBasic is temperature and pressure only: two float32.
	SchemaBasic Schema = iota
	// SchemaLight appends six uint16 light channels.
	SchemaLight
)

// SchemaFor returns the layout the logger uses for the given light setting.
func SchemaFor(useLight bool) Schema {
	if useLight {
		return SchemaLight
	}
	return SchemaBasic
}

// Size is the record size in bytes.
func (s Schema) Size() int {
	if s == SchemaLight {
		return 20
	}
	return 8
}

// PerPage is the number of whole records in one page. Records never span
// pages; any remainder at the end of a page is left unused.
func (s Schema) PerPage() int { return PageSize / s.Size() }

// Capacity is the number of records a full flash holds.
func (s Schema) Capacity() int { return PageCount * s.PerPage() }

func (s Schema) HasLight() bool { return s == SchemaLight }

func (s Schema) String() string {
	switch s {
	case SchemaBasic:
		return "basic"
	case SchemaLight:
		return "light"
	default:
		return fmt.Sprintf("Schema(%d)", int(s))
	}
}

// Address locates a record in flash.
type Address struct {
	Page   int
	Offset int // byte offset within the page
}

// Byte is the absolute flash byte address.
func (a Address) Byte() int { return a.Page*PageSize + a.Offset }

// Address maps a zero-based sample index to its page and in-page offset.
func (s Schema) Address(index int) Address {
	per := s.PerPage()
	return Address{Page: index / per, Offset: (index % per) * s.Size()}
}

// Index is the inverse of Address.
func (s Schema) Index(a Address) int {
	return a.Page*s.PerPage() + a.Offset/s.Size()
}
