package graph

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/lengbh/GraphDesEngine/sim/dist"
)

// Format selects the document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the format from a file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Document is the on-disk graph description.
type Document struct {
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Vertices []VertexDoc `json:"vertices" yaml:"vertices"`
	Arcs     []ArcDoc    `json:"arcs" yaml:"arcs"`
}

// VertexDoc describes a station. A missing buffer_capacity means unbounded.
type VertexDoc struct {
	ID             int        `json:"id" yaml:"id"`
	Name           string     `json:"name,omitempty" yaml:"name,omitempty"`
	BufferCapacity *int       `json:"buffer_capacity,omitempty" yaml:"buffer_capacity,omitempty"`
	ServiceSlots   *int       `json:"service_slots,omitempty" yaml:"service_slots,omitempty"`
	Service        *dist.Spec `json:"service_time_distribution" yaml:"service_time_distribution"`
}

// ArcDoc describes a transfer.
type ArcDoc struct {
	ID       string     `json:"id,omitempty" yaml:"id,omitempty"`
	Tail     int        `json:"tail" yaml:"tail"`
	Head     int        `json:"head" yaml:"head"`
	Transfer *dist.Spec `json:"transfer_time_distribution" yaml:"transfer_time_distribution"`
	Weight   *float64   `json:"weight,omitempty" yaml:"weight,omitempty"`
	Slots    *int       `json:"slots,omitempty" yaml:"slots,omitempty"`
}

var strictJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// Load reads, parses and validates a graph document.
func Load(path string) (*LabelledGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph: %w", err)
	}
	doc, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Parse decodes a document strictly: unknown fields are rejected.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing graph yaml: %w", err)
		}
	case FormatJSON:
		if err := strictJSON.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing graph json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown graph format %q", format)
	}
	return &doc, nil
}

// Marshal encodes g back into the JSON document form.
func Marshal(g *LabelledGraph) ([]byte, error) {
	doc := Document{Name: g.Name}
	for _, id := range g.vertexIDs {
		v := g.vertices[id]
		slots := v.ServiceSlots
		svc := v.Service
		vd := VertexDoc{ID: int(v.ID), Name: v.Name, ServiceSlots: &slots, Service: &svc}
		if !v.IsUnbounded() {
			c := v.BufferCapacity
			vd.BufferCapacity = &c
		}
		doc.Vertices = append(doc.Vertices, vd)
	}
	for _, id := range g.arcIDs {
		a := g.arcs[id]
		w, s, tr := a.Weight, a.Slots, a.Transfer
		doc.Arcs = append(doc.Arcs, ArcDoc{
			ID: string(a.ID), Tail: int(a.Tail), Head: int(a.Head),
			Transfer: &tr, Weight: &w, Slots: &s,
		})
	}
	return strictJSON.MarshalIndent(doc, "", "  ")
}

// Build validates doc and returns the immutable graph. All problems are
// collected into a single *ValidationError.
func Build(doc *Document) (*LabelledGraph, error) {
	verr := &ValidationError{}
	g := &LabelledGraph{
		Name:     doc.Name,
		vertices: make(map[VertexID]*Vertex, len(doc.Vertices)),
		arcs:     make(map[ArcID]*Arc, len(doc.Arcs)),
		byPair:   make(map[[2]VertexID]ArcID, len(doc.Arcs)),
	}
	if len(doc.Vertices) == 0 {
		verr.add("vertices", "at least one vertex is required")
	}

	for i, vd := range doc.Vertices {
		path := fmt.Sprintf("vertices[%d]", i)
		id := VertexID(vd.ID)
		if vd.ID < 0 {
			verr.add(path+".id", "must be non-negative, got %d", vd.ID)
		}
		if _, dup := g.vertices[id]; dup {
			verr.add(path+".id", "duplicate vertex id %d", vd.ID)
			continue
		}
		v := &Vertex{ID: id, Name: vd.Name, BufferCapacity: Unbounded, ServiceSlots: 1}
		if vd.BufferCapacity != nil {
			if *vd.BufferCapacity < 0 {
				verr.add(path+".buffer_capacity", "must be non-negative, got %d", *vd.BufferCapacity)
			}
			v.BufferCapacity = *vd.BufferCapacity
		}
		if vd.ServiceSlots != nil {
			if *vd.ServiceSlots < 1 {
				verr.add(path+".service_slots", "must be at least 1, got %d", *vd.ServiceSlots)
			}
			v.ServiceSlots = *vd.ServiceSlots
		}
		if vd.Service == nil {
			verr.add(path+".service_time_distribution", "is required")
		} else {
			for _, msg := range vd.Service.Problems() {
				verr.add(path+".service_time_distribution", "%s", msg)
			}
			v.Service = *vd.Service
		}
		g.vertices[id] = v
		g.vertexIDs = append(g.vertexIDs, id)
	}
	sortVertexIDs(g.vertexIDs)

	for i, ad := range doc.Arcs {
		path := fmt.Sprintf("arcs[%d]", i)
		tail, head := VertexID(ad.Tail), VertexID(ad.Head)
		tv, tailOK := g.vertices[tail]
		if !tailOK {
			verr.add(path+".tail", "references unknown vertex %d", ad.Tail)
		}
		if _, ok := g.vertices[head]; !ok {
			verr.add(path+".head", "references unknown vertex %d", ad.Head)
		}
		id := ArcID(ad.ID)
		if id == "" {
			id = DefaultArcID(tail, head)
		}
		if _, dup := g.arcs[id]; dup {
			verr.add(path+".id", "duplicate arc id %q", id)
			continue
		}
		pair := [2]VertexID{tail, head}
		if prev, dup := g.byPair[pair]; dup {
			verr.add(path, "duplicate arc %d->%d (already declared as %q)", ad.Tail, ad.Head, prev)
			continue
		}
		a := &Arc{ID: id, Tail: tail, Head: head, Weight: 1, Slots: 1}
		if ad.Weight != nil {
			w := *ad.Weight
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				verr.add(path+".weight", "must be a finite non-negative number, got %v", w)
			}
			a.Weight = w
		}
		if ad.Slots != nil {
			if *ad.Slots < 1 {
				verr.add(path+".slots", "must be at least 1, got %d", *ad.Slots)
			}
			a.Slots = *ad.Slots
		}
		if ad.Transfer == nil {
			verr.add(path+".transfer_time_distribution", "is required")
		} else {
			for _, msg := range ad.Transfer.Problems() {
				verr.add(path+".transfer_time_distribution", "%s", msg)
			}
			a.Transfer = *ad.Transfer
		}
		g.arcs[id] = a
		g.arcIDs = append(g.arcIDs, id)
		g.byPair[pair] = id
		if tailOK {
			tv.Out = append(tv.Out, id)
		}
	}

	for _, id := range g.vertexIDs {
		v := g.vertices[id]
		if len(v.Out) == 0 {
			continue
		}
		total := 0.0
		for _, aid := range v.Out {
			total += g.arcs[aid].Weight
		}
		if total <= 0 {
			verr.add(fmt.Sprintf("vertex %d", id), "outgoing arcs all have weight 0; static routing has no choice")
		}
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return g, nil
}
