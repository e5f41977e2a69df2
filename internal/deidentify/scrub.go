package deidentify

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// maskValue is the replacement written into every scrubbed text attribute.
const maskValue = "#"

// maskedTags lists the identifying text attributes overwritten with
// maskValue. Kept as raw tags so the list is independent of dictionary
// keyword coverage.
var maskedTags = []tag.Tag{
	{Group: 0x0010, Element: 0x0010}, // PatientName
	{Group: 0x0008, Element: 0x0090}, // ReferringPhysicianName
	{Group: 0x0008, Element: 0x0080}, // InstitutionName
	{Group: 0x0008, Element: 0x1050}, // PerformingPhysicianName
	{Group: 0x0008, Element: 0x1070}, // OperatorsName
	{Group: 0x0008, Element: 0x1010}, // StationName
	{Group: 0x0008, Element: 0x1040}, // InstitutionalDepartmentName
	{Group: 0x0008, Element: 0x1048}, // PhysiciansOfRecord
	{Group: 0x0032, Element: 0x1032}, // RequestingPhysician
	{Group: 0x0008, Element: 0x009C}, // ConsultingPhysicianName
	{Group: 0x0010, Element: 0x2297}, // ResponsiblePerson
	{Group: 0x300E, Element: 0x0008}, // ReviewerName
	{Group: 0x0008, Element: 0x0081}, // InstitutionAddress
	{Group: 0x0008, Element: 0x0092}, // ReferringPhysicianAddress
	{Group: 0x0008, Element: 0x0082}, // InstitutionCodeSequence
	{Group: 0x0008, Element: 0x1062}, // PhysiciansReadingStudyIdentificationSequence
	{Group: 0x0008, Element: 0x1072}, // OperatorIdentificationSequence
	{Group: 0x0040, Element: 0x1102}, // PersonAddress
	{Group: 0x0040, Element: 0x1103}, // TelephoneNumbers
}
