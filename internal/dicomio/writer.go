package dicomio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/chavi-india/draw-agent/internal/errors"
)

// setElementString replaces an element's value in place. Sequence item
// elements are reached through their pointers, so the rewrite lands inside
// the sequence as well.
func setElementString(elem *dicom.Element, value string) error {
	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return errors.New(fmt.Errorf("creating element value: %w", err)).
			Component("dicomio").
			Category(errors.CategoryDeidentification).
			Build()
	}
	elem.Value = newValue
	elem.ValueLength = uint32(len(value))
	return nil
}

// visitElements calls visit for every non-sequence element in elems,
// descending into SQ sequence items recursively.
func visitElements(elems []*dicom.Element, visit func(*dicom.Element) error) error {
	for _, elem := range elems {
		if elem.Value != nil && elem.Value.ValueType() == dicom.Sequences {
			items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
			if !ok {
				continue
			}
			for _, item := range items {
				nested, ok := item.GetValue().([]*dicom.Element)
				if !ok {
					continue
				}
				if err := visitElements(nested, visit); err != nil {
					return err
				}
			}
			continue
		}
		if err := visit(elem); err != nil {
			return err
		}
	}
	return nil
}

// SetString replaces the value of an existing element. Missing tags are left
// missing so deidentification never invents attributes the scanner omitted.
func (d *Dataset) SetString(t tag.Tag, value string) error {
	elem, err := d.Data.FindElementByTag(t)
	if err != nil {
		return nil
	}
	return setElementString(elem, value)
}

// RewriteUIDs applies remap to every UI element in the dataset, including
// the file meta group and elements nested in sequences. remap receives the
// element tag and the original UID and returns its replacement; returning
// the input leaves the element untouched.
func (d *Dataset) RewriteUIDs(remap func(t tag.Tag, old string) string) error {
	return visitElements(d.Data.Elements, func(elem *dicom.Element) error {
		if elem.RawValueRepresentation != "UI" {
			return nil
		}
		// transfer syntax identifies the encoding, never an entity
		if elem.Tag == tag.TransferSyntaxUID {
			return nil
		}
		old := firstString(elem)
		if old == "" {
			return nil
		}
		replacement := remap(elem.Tag, old)
		if replacement == old {
			return nil
		}
		return setElementString(elem, replacement)
	})
}

// RewriteDates replaces the value of every DA element with date (YYYYMMDD)
// and every DT element with the same date at midnight, sequences included.
func (d *Dataset) RewriteDates(date string) error {
	return visitElements(d.Data.Elements, func(elem *dicom.Element) error {
		var replacement string
		switch elem.RawValueRepresentation {
		case "DA":
			replacement = date
		case "DT":
			replacement = date + "000000"
		default:
			return nil
		}
		if firstString(elem) == "" {
			return nil
		}
		return setElementString(elem, replacement)
	})
}

// MaskTags overwrites the value of each listed tag with mask wherever it
// appears, including inside sequence items. Absent tags are skipped.
func (d *Dataset) MaskTags(tags []tag.Tag, mask string) error {
	masked := make(map[tag.Tag]struct{}, len(tags))
	for _, t := range tags {
		masked[t] = struct{}{}
	}
	return visitElements(d.Data.Elements, func(elem *dicom.Element) error {
		if _, ok := masked[elem.Tag]; !ok {
			return nil
		}
		return setElementString(elem, mask)
	})
}

// RemovePrivateTags drops every element with an odd group number.
func (d *Dataset) RemovePrivateTags() {
	kept := d.Data.Elements[:0]
	for _, elem := range d.Data.Elements {
		if elem.Tag.Group%2 == 1 {
			continue
		}
		kept = append(kept, elem)
	}
	d.Data.Elements = kept
}

// Save writes the dataset to path, creating parent directories. Verification
// is relaxed the same way parsing is.
func (d *Dataset) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(fmt.Errorf("creating output directory: %w", err)).
			Component("dicomio").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.New(fmt.Errorf("creating output file: %w", err)).
			Component("dicomio").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer file.Close()

	if err := dicom.Write(file, d.Data,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	); err != nil {
		return errors.New(fmt.Errorf("writing dicom file: %w", err)).
			Component("dicomio").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}
