package dicomio

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func strElement(t *testing.T, tg tag.Tag, vr, value string) *dicom.Element {
	t.Helper()
	v, err := dicom.NewValue([]string{value})
	require.NoError(t, err)
	return &dicom.Element{
		Tag:                    tg,
		ValueRepresentation:    tag.VRStringList,
		RawValueRepresentation: vr,
		ValueLength:            uint32(len(value)),
		Value:                  v,
	}
}

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	return &Dataset{Data: dicom.Dataset{Elements: []*dicom.Element{
		strElement(t, tag.MediaStorageSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2"),
		strElement(t, tag.MediaStorageSOPInstanceUID, "UI", "1.2.3.4.5.6.1"),
		strElement(t, tag.TransferSyntaxUID, "UI", "1.2.840.10008.1.2.1"),
		strElement(t, tag.SOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2"),
		strElement(t, tag.SOPInstanceUID, "UI", "1.2.3.4.5.6.1"),
		strElement(t, tag.StudyInstanceUID, "UI", "1.2.3.4"),
		strElement(t, tag.SeriesInstanceUID, "UI", "1.2.3.4.5"),
		strElement(t, tag.PatientName, "PN", "DOE^JOHN"),
		strElement(t, tag.PatientID, "LO", "MRN-0042"),
		strElement(t, tag.StudyDate, "DA", "20240115"),
		strElement(t, tag.AcquisitionDateTime, "DT", "20240115103000"),
		strElement(t, tag.Modality, "CS", "CT"),
		strElement(t, tag.Tag{Group: 0x0009, Element: 0x0010}, "LO", "VENDOR PRIVATE BLOCK"),
	}}}
}

func TestGetStringAndKeywordLookup(t *testing.T) {
	ds := testDataset(t)
	assert.Equal(t, "CT", ds.GetString(tag.Modality))
	assert.Equal(t, "CT", ds.GetStringByKeyword("Modality"))
	assert.Equal(t, "", ds.GetStringByKeyword("SeriesDescription"), "absent tag reads as empty")
	assert.Equal(t, "", ds.GetStringByKeyword("NoSuchKeyword"))
}

func TestTagDictionaryKeys(t *testing.T) {
	ds := testDataset(t)
	dict := ds.TagDictionary()
	assert.Equal(t, "CT", dict["Modality"])
	assert.Equal(t, "CT", dict["(0008,0060)"])
	assert.Equal(t, "VENDOR PRIVATE BLOCK", dict["(0009,0010)"])
}

func TestSetStringReplacesOnlyExisting(t *testing.T) {
	ds := testDataset(t)
	require.NoError(t, ds.SetString(tag.PatientName, "#"))
	assert.Equal(t, "#", ds.GetString(tag.PatientName))

	// absent tags stay absent
	require.NoError(t, ds.SetString(tag.PatientBirthDate, "20000101"))
	assert.Equal(t, "", ds.GetString(tag.PatientBirthDate))
}

func TestRewriteUIDsSkipsTransferSyntax(t *testing.T) {
	ds := testDataset(t)
	remap := map[string]string{
		"1.2.3.4":       "9.9.9.1",
		"1.2.3.4.5":     "9.9.9.1.1",
		"1.2.3.4.5.6.1": "9.9.9.1.1.7",
	}
	require.NoError(t, ds.RewriteUIDs(func(_ tag.Tag, old string) string {
		if repl, ok := remap[old]; ok {
			return repl
		}
		return old
	}))

	assert.Equal(t, "9.9.9.1", ds.GetString(tag.StudyInstanceUID))
	assert.Equal(t, "9.9.9.1.1", ds.GetString(tag.SeriesInstanceUID))
	assert.Equal(t, "9.9.9.1.1.7", ds.GetString(tag.SOPInstanceUID))
	assert.Equal(t, "9.9.9.1.1.7", ds.GetString(tag.MediaStorageSOPInstanceUID),
		"file meta instance UID follows the dataset instance UID")
	assert.Equal(t, "1.2.840.10008.1.2.1", ds.GetString(tag.TransferSyntaxUID))
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", ds.GetString(tag.SOPClassUID),
		"class UIDs pass through when remap returns the input")
}

func seqElement(t *testing.T, tg tag.Tag, items ...[]*dicom.Element) *dicom.Element {
	t.Helper()
	v, err := dicom.NewValue([][]*dicom.Element(items))
	require.NoError(t, err)
	return &dicom.Element{
		Tag:                    tg,
		ValueRepresentation:    tag.VRSequence,
		RawValueRepresentation: "SQ",
		Value:                  v,
	}
}

func TestRewriteUIDsDescendsIntoSequences(t *testing.T) {
	ds := &Dataset{Data: dicom.Dataset{Elements: []*dicom.Element{
		strElement(t, tag.SOPInstanceUID, "UI", "1.2.3.4.5.6.1"),
		seqElement(t, tag.ReferencedImageSequence, []*dicom.Element{
			strElement(t, tag.ReferencedSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2"),
			strElement(t, tag.ReferencedSOPInstanceUID, "UI", "1.2.3.4.5.6.7.8.9"),
		}),
	}}}

	require.NoError(t, ds.RewriteUIDs(func(_ tag.Tag, old string) string {
		if strings.HasPrefix(old, "1.2.840.10008") {
			return old
		}
		return "9.9." + old
	}))

	assert.Equal(t, "9.9.1.2.3.4.5.6.1", ds.GetString(tag.SOPInstanceUID))

	referenced, err := ds.Data.FindElementByTagNested(tag.ReferencedSOPInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, "9.9.1.2.3.4.5.6.7.8.9", firstString(referenced),
		"referenced UIDs inside sequence items are remapped")
	class, err := ds.Data.FindElementByTagNested(tag.ReferencedSOPClassUID)
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", firstString(class),
		"standard UIDs survive inside sequences too")
}

func TestMaskAndDateRewritesDescendIntoSequences(t *testing.T) {
	ds := &Dataset{Data: dicom.Dataset{Elements: []*dicom.Element{
		strElement(t, tag.Modality, "CS", "CT"),
		seqElement(t, tag.ReferencedStudySequence, []*dicom.Element{
			strElement(t, tag.PatientName, "PN", "DOE^JANE"),
			strElement(t, tag.StudyDate, "DA", "20240115"),
		}),
	}}}

	require.NoError(t, ds.MaskTags([]tag.Tag{tag.PatientName}, "#"))
	require.NoError(t, ds.RewriteDates("20100101"))

	name, err := ds.Data.FindElementByTagNested(tag.PatientName)
	require.NoError(t, err)
	assert.Equal(t, "#", firstString(name))
	date, err := ds.Data.FindElementByTagNested(tag.StudyDate)
	require.NoError(t, err)
	assert.Equal(t, "20100101", firstString(date))
}

func TestRewriteDates(t *testing.T) {
	ds := testDataset(t)
	require.NoError(t, ds.RewriteDates("20101231"))
	assert.Equal(t, "20101231", ds.GetString(tag.StudyDate))
	assert.Equal(t, "20101231000000", ds.GetString(tag.AcquisitionDateTime))
}

func TestMaskTags(t *testing.T) {
	ds := testDataset(t)
	require.NoError(t, ds.MaskTags([]tag.Tag{tag.PatientName, tag.PatientID, tag.PatientBirthDate}, "#"))
	assert.Equal(t, "#", ds.GetString(tag.PatientName))
	assert.Equal(t, "#", ds.GetString(tag.PatientID))
	assert.Equal(t, "", ds.GetString(tag.PatientBirthDate))
}

func TestRemovePrivateTags(t *testing.T) {
	ds := testDataset(t)
	ds.RemovePrivateTags()
	dict := ds.TagDictionary()
	_, found := dict["(0009,0010)"]
	assert.False(t, found)
	assert.Equal(t, "CT", ds.GetString(tag.Modality))
}

func TestSaveAndReadRoundTrip(t *testing.T) {
	ds := testDataset(t)
	path := filepath.Join(t.TempDir(), "out", "0001.dcm")
	require.NoError(t, ds.Save(path))

	reread, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "CT", reread.GetString(tag.Modality))
	assert.Equal(t, "1.2.3.4.5", reread.GetString(tag.SeriesInstanceUID))
}
