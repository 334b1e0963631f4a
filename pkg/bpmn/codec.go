package bpmn

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a serialization of a definition.
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts the format names and common media types.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xml", "bpmn", "application/xml", "text/xml":
		return FormatXML, nil
	case "json", "application/json":
		return FormatJSON, nil
	case "yaml", "yml", "application/yaml", "application/x-yaml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported definition format: %s", s)
}

// ContentType is the media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/xml"
	}
}

// Parse decodes and validates a definition.
func Parse(format Format, data []byte) (*Definitions, error) {
	var d Definitions
	var err error
	switch format {
	case FormatXML:
		err = xml.Unmarshal(data, &d)
	case FormatJSON:
		err = json.Unmarshal(data, &d)
	case FormatYAML:
		err = yaml.Unmarshal(data, &d)
	default:
		return nil, fmt.Errorf("unsupported definition format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s definition: %w", format, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseXML decodes and validates a BPMN XML document.
func ParseXML(data []byte) (*Definitions, error) {
	return Parse(FormatXML, data)
}

// Encode serializes a definition.
func Encode(format Format, d *Definitions) ([]byte, error) {
	switch format {
	case FormatXML:
		return EncodeXML(d)
	case FormatJSON:
		return json.MarshalIndent(d, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported definition format: %s", format)
}

// EncodeXML writes a BPMN XML document in the model namespace.
func EncodeXML(d *Definitions) ([]byte, error) {
	out := *d
	out.XMLName = xml.Name{Space: ModelNamespace, Local: "definitions"}
	out.FlowableNS = FlowableNamespace
	body, err := xml.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
