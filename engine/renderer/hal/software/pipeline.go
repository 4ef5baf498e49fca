package software

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

const (
	libraryMagic   uint32 = 0x424c5452 // "RTLB"
	libraryVersion uint32 = 1
)

var ErrInvalidLibrary = errors.New("invalid shader library blob")

type ShaderKind uint8

const (
	ShaderRayGeneration ShaderKind = iota
	ShaderClosestHit
	ShaderAnyHit
	ShaderMiss
)

func (k ShaderKind) String() string {
	switch k {
	case ShaderRayGeneration:
		return "raygeneration"
	case ShaderClosestHit:
		return "closesthit"
	case ShaderAnyHit:
		return "anyhit"
	case ShaderMiss:
		return "miss"
	}
	return "unknown"
}

// AnyHitResult tells traversal what to do with a candidate intersection.
type AnyHitResult uint8

const (
	AnyHitAccept AnyHitResult = iota
	AnyHitIgnore
	AnyHitAcceptAndEndSearch
)

// Program is a shader entry point. Only the function matching Kind is used.
type Program struct {
	Kind       ShaderKind
	RayGen     func(rc *RayContext) error
	ClosestHit func(rc *RayContext, hit *Hit, payload any) error
	AnyHit     func(rc *RayContext, hit *Hit, payload any) AnyHitResult
	Miss       func(rc *RayContext, payload any) error
	// Bytes of stack the program needs. Zero picks a per kind default.
	StackSize uint64
}

var (
	programsMu sync.RWMutex
	programs   = make(map[string]Program)
)

// RegisterProgram makes a Go shader program addressable from library blobs.
func RegisterProgram(name string, p Program) {
	programsMu.Lock()
	defer programsMu.Unlock()
	programs[name] = p
}

func lookupProgram(name string) (Program, bool) {
	programsMu.RLock()
	defer programsMu.RUnlock()
	p, ok := programs[name]
	return p, ok
}

// EncodeLibrary builds a library blob binding export names to registered
// program names.
func EncodeLibrary(bindings map[string]string) []byte {
	exports := make([]string, 0, len(bindings))
	for e := range bindings {
		exports = append(exports, e)
	}
	sort.Strings(exports)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, libraryMagic)
	_ = binary.Write(&buf, binary.LittleEndian, libraryVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(exports)))
	writeString := func(s string) {
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(s)))
		buf.WriteString(s)
	}
	for _, e := range exports {
		writeString(e)
		writeString(bindings[e])
	}
	return buf.Bytes()
}

// DecodeLibrary parses a blob produced by EncodeLibrary.
func DecodeLibrary(blob []byte) (map[string]string, error) {
	r := bytes.NewReader(blob)
	var magic, version, count uint32
	for _, v := range []*uint32{&magic, &version, &count} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLibrary, err)
		}
	}
	if magic != libraryMagic || version != libraryVersion {
		return nil, fmt.Errorf("%w: bad header %#x v%d", ErrInvalidLibrary, magic, version)
	}
	readString := func() (string, error) {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return "", err
		}
		s := make([]byte, n)
		if _, err := r.Read(s); err != nil && n > 0 {
			return "", err
		}
		return string(s), nil
	}
	out := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		export, err := readString()
		if err != nil {
			return nil, fmt.Errorf("%w: export %d: %w", ErrInvalidLibrary, i, err)
		}
		program, err := readString()
		if err != nil {
			return nil, fmt.Errorf("%w: export %s: %w", ErrInvalidLibrary, export, err)
		}
		out[export] = program
	}
	return out, nil
}

type shaderID [hal.ShaderIdentifierSize]byte

// shaderEntry is what a shader record identifier resolves to at dispatch.
type shaderEntry struct {
	name       string
	kind       ShaderKind
	hitGroup   bool
	program    Program
	closestHit *Program
	anyHit     *Program
	stackSize  uint64
}

type pipeline struct {
	desc    hal.RayTracingPipelineDesc
	ids     map[string]shaderID
	entries map[shaderID]*shaderEntry
}

func defaultStackSize(kind ShaderKind, desc hal.RayTracingPipelineDesc) uint64 {
	switch kind {
	case ShaderRayGeneration:
		return 256
	case ShaderMiss:
		return 64 + uint64(desc.MaxPayloadSize)
	}
	return 64 + uint64(desc.MaxPayloadSize) + uint64(desc.MaxAttributeSize)
}

func (d *Device) CreateRayTracingPipeline(desc hal.RayTracingPipelineDesc) (hal.RayTracingPipeline, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	if desc.GlobalRootSignature == nil {
		return nil, fmt.Errorf("pipeline %q has no global root signature", desc.Label)
	}
	bindings, err := DecodeLibrary(desc.Library)
	if err != nil {
		return nil, err
	}
	libHash := sha256.Sum256(desc.Library)
	p := &pipeline{
		desc:    desc,
		ids:     make(map[string]shaderID),
		entries: make(map[shaderID]*shaderEntry),
	}
	identify := func(name string) shaderID {
		h := sha256.New()
		h.Write(libHash[:])
		h.Write([]byte(name))
		var id shaderID
		copy(id[:], h.Sum(nil))
		return id
	}

	exports := make(map[string]*shaderEntry, len(desc.Exports))
	for _, name := range desc.Exports {
		programName, ok := bindings[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", hal.ErrExportNotFound, name)
		}
		prog, ok := lookupProgram(programName)
		if !ok {
			return nil, fmt.Errorf("%w: %s is bound to unknown program %s", hal.ErrExportNotFound, name, programName)
		}
		e := &shaderEntry{name: name, kind: prog.Kind, program: prog, stackSize: prog.StackSize}
		if e.stackSize == 0 {
			e.stackSize = defaultStackSize(prog.Kind, desc)
		}
		exports[name] = e
		id := identify(name)
		p.ids[name] = id
		p.entries[id] = e
	}

	for _, hg := range desc.HitGroups {
		e := &shaderEntry{name: hg.Name, kind: ShaderClosestHit, hitGroup: true}
		if hg.ClosestHit != "" {
			ch, ok := exports[hg.ClosestHit]
			if !ok || ch.kind != ShaderClosestHit {
				return nil, fmt.Errorf("%w: hit group %s closest hit %s", hal.ErrExportNotFound, hg.Name, hg.ClosestHit)
			}
			e.closestHit = &ch.program
			e.stackSize = max(e.stackSize, ch.stackSize)
		}
		if hg.AnyHit != "" {
			ah, ok := exports[hg.AnyHit]
			if !ok || ah.kind != ShaderAnyHit {
				return nil, fmt.Errorf("%w: hit group %s any hit %s", hal.ErrExportNotFound, hg.Name, hg.AnyHit)
			}
			e.anyHit = &ah.program
			e.stackSize = max(e.stackSize, ah.stackSize)
		}
		if hg.Intersection != "" {
			return nil, fmt.Errorf("hit group %s: procedural intersection is not supported", hg.Name)
		}
		id := identify(hg.Name)
		p.ids[hg.Name] = id
		p.entries[id] = e
	}
	d.logger.Debug("ray tracing pipeline created", "label", desc.Label, "exports", len(desc.Exports), "hit_groups", len(desc.HitGroups))
	return p, nil
}

func (p *pipeline) ShaderIdentifier(name string) ([]byte, bool) {
	id, ok := p.ids[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, hal.ShaderIdentifierSize)
	copy(out, id[:])
	return out, true
}

func (p *pipeline) ShaderStackSize(name string) uint64 {
	id, ok := p.ids[name]
	if !ok {
		return 0
	}
	return p.entries[id].stackSize
}

// lookup resolves a record's identifier. An all zero identifier is the null
// shader and resolves to nil without error.
func (p *pipeline) lookup(raw []byte) (*shaderEntry, error) {
	var id shaderID
	copy(id[:], raw)
	if id == (shaderID{}) {
		return nil, nil
	}
	e, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("shader record holds an identifier unknown to the bound pipeline")
	}
	return e, nil
}

func (p *pipeline) Destroy() {}
