package table

import "strings"

// Name is the qualified identity of a dataset. Catalog and Schema may be empty.
type Name struct {
	Catalog string
	Schema  string
	Table   string
}

// ParseName splits a dotted "catalog.schema.table", "schema.table" or "table" reference.
func ParseName(s string) Name {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 1:
		return Name{Table: parts[0]}
	case 2:
		return Name{Schema: parts[0], Table: parts[1]}
	default:
		return Name{
			Catalog: parts[0],
			Schema:  parts[1],
			Table:   strings.Join(parts[2:], "."),
		}
	}
}

func (n Name) String() string {
	switch {
	case n.Catalog != "":
		return n.Catalog + "." + n.Schema + "." + n.Table
	case n.Schema != "":
		return n.Schema + "." + n.Table
	default:
		return n.Table
	}
}

func (n Name) IsZero() bool {
	return n.Table == ""
}
