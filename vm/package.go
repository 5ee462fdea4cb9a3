package vm

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/inhies/go-bytesize"
)

// PackageVersion is the wire version written by this runtime.
const PackageVersion = 1

// EntryFunction is the function a package starts executing at.
const EntryFunction = "__main__"

// DefaultMaxPackageSize bounds package files read by Import.
const DefaultMaxPackageSize = 16 * bytesize.MB

// DebugInfo is the source position of one instruction.
type DebugInfo struct {
	Line   int `cbor:"1,keyasint"`
	Column int `cbor:"2,keyasint,omitempty"`
}

// Package is a unit of loadable bytecode.
type Package struct {
	Version   int               `cbor:"1,keyasint"`
	Functions map[string]int    `cbor:"2,keyasint"`
	Code      []uint32          `cbor:"3,keyasint"`
	Strings   []string          `cbor:"4,keyasint,omitempty"`
	Bytes     [][]byte          `cbor:"5,keyasint,omitempty"`
	Debug     map[int]DebugInfo `cbor:"6,keyasint,omitempty"`
	Source    string            `cbor:"7,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalPackage serializes a Package to canonical CBOR bytes.
func MarshalPackage(p *Package) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalPackage deserializes and validates a Package.
func UnmarshalPackage(data []byte) (*Package, error) {
	var p Package
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("vm: unmarshal package: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate decodes every instruction and checks operand kinds, pool
// indices and function entries.
func (p *Package) Validate() error {
	if p.Version != PackageVersion {
		return fmt.Errorf("vm: package version %d, want %d", p.Version, PackageVersion)
	}
	starts := make(map[int]bool)
	for ip := 0; ip < len(p.Code); {
		ins, err := Decode(p.Code, ip)
		if err != nil {
			return fmt.Errorf("vm: invalid package: %w", err)
		}
		if err := checkOperands(ins); err != nil {
			return fmt.Errorf("vm: invalid package at %04d: %w", ip, err)
		}
		for _, o := range ins.Operands {
			switch o.Kind {
			case OperandString:
				if o.Index() < 0 || o.Index() >= len(p.Strings) {
					return fmt.Errorf("vm: invalid package at %04d: string index %d out of range", ip, o.Index())
				}
			case OperandBytes:
				if o.Index() < 0 || o.Index() >= len(p.Bytes) {
					return fmt.Errorf("vm: invalid package at %04d: bytes index %d out of range", ip, o.Index())
				}
			}
		}
		starts[ip] = true
		ip = ins.Next
	}
	for name, ip := range p.Functions {
		if ip != len(p.Code) && !starts[ip] {
			return fmt.Errorf("vm: invalid package: function %q starts at %d, not an instruction boundary", name, ip)
		}
	}
	return nil
}

// Entry returns the offset of a named function.
func (p *Package) Entry(name string) (int, bool) {
	ip, ok := p.Functions[name]
	return ip, ok
}

// Position returns the source position recorded for ip.
func (p *Package) Position(ip int) (DebugInfo, bool) {
	d, ok := p.Debug[ip]
	return d, ok
}

// ReadPackageFile loads a package from disk. Files larger than limit are
// rejected before they are read; a zero limit means DefaultMaxPackageSize.
func ReadPackageFile(path string, limit bytesize.ByteSize) (*Package, error) {
	if limit <= 0 {
		limit = DefaultMaxPackageSize
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &ExecError{Kind: FileError, IP: -1, Message: path, Err: err}
	}
	if size := bytesize.ByteSize(fi.Size()); size > limit {
		return nil, &ExecError{Kind: FileError, IP: -1,
			Message: fmt.Sprintf("%s is %s, limit %s", path, size, limit)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ExecError{Kind: FileError, IP: -1, Message: path, Err: err}
	}
	p, err := UnmarshalPackage(data)
	if err != nil {
		return nil, &ExecError{Kind: FileError, IP: -1, Message: path, Err: err}
	}
	return p, nil
}

// WritePackageFile serializes p to path.
func WritePackageFile(path string, p *Package) error {
	data, err := MarshalPackage(p)
	if err != nil {
		return fmt.Errorf("vm: marshal package: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("vm: write package: %w", err)
	}
	return nil
}
