// Package dicomio wraps DICOM file access for the pipeline. Reading is
// metadata-only where possible, and writing keeps verification relaxed since
// real-world scanner output rarely follows VR rules to the letter.
package dicomio

import (
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/chavi-india/draw-agent/internal/errors"
)

// Dataset wraps a parsed DICOM dataset together with its source path.
type Dataset struct {
	Data     dicom.Dataset
	FilePath string
}

// ReadFile parses a complete DICOM file including pixel data.
func ReadFile(path string) (*Dataset, error) {
	return read(path)
}

// ReadMetadata parses a DICOM file skipping pixel data. Use this for rule
// matching and ingestion where only attributes matter.
func ReadMetadata(path string) (*Dataset, error) {
	return read(path, dicom.SkipPixelData())
}

func read(path string, opts ...dicom.ParseOption) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("opening dicom file: %w", err)).
			Component("dicomio").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.New(fmt.Errorf("stat dicom file: %w", err)).
			Component("dicomio").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	ds, err := dicom.Parse(file, info.Size(), nil, opts...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parsing dicom file: %w", err)).
			Component("dicomio").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}

	return &Dataset{Data: ds, FilePath: path}, nil
}

// GetString returns the first string value of a tag, or "" when the tag is
// absent or empty.
func (d *Dataset) GetString(t tag.Tag) string {
	elem, err := d.Data.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return ""
	}
	return firstString(elem)
}

// GetStringByKeyword resolves a DICOM attribute keyword (e.g. "Modality")
// to its tag and returns the value. Unknown keywords yield "".
func (d *Dataset) GetStringByKeyword(keyword string) string {
	info, err := tag.FindByName(keyword)
	if err != nil {
		return ""
	}
	return d.GetString(info.Tag)
}

// TagDictionary flattens the dataset into a lookup keyed both by attribute
// keyword and by "(GGGG,EEEE)" tag notation. Sequences and pixel data are
// skipped, unknown tags keep only their numeric key.
func (d *Dataset) TagDictionary() map[string]string {
	dict := make(map[string]string, len(d.Data.Elements))
	for _, elem := range d.Data.Elements {
		if elem.RawValueRepresentation == "SQ" || elem.Tag == tag.PixelData {
			continue
		}
		value := firstString(elem)
		key := fmt.Sprintf("(%04X,%04X)", elem.Tag.Group, elem.Tag.Element)
		dict[key] = value
		if info, err := tag.Find(elem.Tag); err == nil && info.Name != "" {
			dict[info.Name] = value
		}
	}
	return dict
}

func firstString(elem *dicom.Element) string {
	if elem == nil || elem.Value == nil {
		return ""
	}
	raw := elem.Value.GetValue()
	switch v := raw.(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	case string:
		return strings.TrimSpace(v)
	case []int:
		if len(v) > 0 {
			return fmt.Sprintf("%d", v[0])
		}
		return ""
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", raw)
	}
}
