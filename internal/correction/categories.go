package correction

// Category groups corrections in the change log.
type Category string

const (
	CharacterFix            Category = "character_fix"
	VocabularyFix           Category = "vocabulary_fix"
	LegalVocabularyFix      Category = "legal_vocabulary_fix"
	ArtifactRemoval         Category = "artifact_removal"
	WhitespaceNormalization Category = "whitespace_normalization"
	NumberFormatting        Category = "number_formatting"
	StructureFormatting     Category = "structure_formatting"

	DomainCorporate      Category = "domain_corporate"
	DomainFinancial      Category = "domain_financial"
	DomainRealEstate     Category = "domain_real_estate"
	DomainEmployment     Category = "domain_employment"
	DomainHealthcare     Category = "domain_healthcare"
	DomainAgriculture    Category = "domain_agriculture"
	DomainAdministrative Category = "domain_administrative"
	DomainGovernment     Category = "domain_government"
)

// isDomain reports whether hits in c count toward the domain confidence
// signal. Legal references are a domain group of their own.
func isDomain(c Category) bool {
	switch c {
	case LegalVocabularyFix, DomainCorporate, DomainFinancial, DomainRealEstate,
		DomainEmployment, DomainHealthcare, DomainAgriculture, DomainAdministrative,
		DomainGovernment:
		return true
	}
	return false
}

// DocumentType is the inferred kind of document.
type DocumentType string

const (
	Unknown          DocumentType = "unknown"
	LeaseContract    DocumentType = "lease_contract"
	LaborContract    DocumentType = "labor_contract"
	SalesContract    DocumentType = "sales_contract"
	Invoice          DocumentType = "invoice"
	Decision         DocumentType = "decision"
	OfficialLetter   DocumentType = "official_letter"
	MeetingMinutes   DocumentType = "meeting_minutes"
	LandCertificate  DocumentType = "land_certificate"
	MedicalRecord    DocumentType = "medical_record"
	IdentityDocument DocumentType = "identity_document"
)
