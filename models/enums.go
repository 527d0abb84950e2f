package models

type LedgerEntryKind string

const (
	LedgerEntryKindInbound    LedgerEntryKind = "IN"
	LedgerEntryKindOutbound   LedgerEntryKind = "OUT"
	LedgerEntryKindAdjustment LedgerEntryKind = "ADJ"
)

func (k LedgerEntryKind) IsValid() bool {
	switch k {
	case LedgerEntryKindInbound, LedgerEntryKindOutbound, LedgerEntryKindAdjustment:
		return true
	}
	return false
}

func (k LedgerEntryKind) String() string { return string(k) }

// LedgerReferenceType records which upstream action caused an entry:
// DSP dispensing/consumption event, IMP bulk import, MAN manual entry.
type LedgerReferenceType string

const (
	LedgerReferenceTypeDispense LedgerReferenceType = "DSP"
	LedgerReferenceTypeImport   LedgerReferenceType = "IMP"
	LedgerReferenceTypeManual   LedgerReferenceType = "MAN"
)

func (r LedgerReferenceType) IsValid() bool {
	switch r {
	case LedgerReferenceTypeDispense, LedgerReferenceTypeImport, LedgerReferenceTypeManual:
		return true
	}
	return false
}

func (r LedgerReferenceType) String() string { return string(r) }
