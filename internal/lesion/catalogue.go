package lesion

// Condition describes the clinical significance of a class for reports.
type Condition struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

var catalogue = map[Class]Condition{
	ActinicKeratoses:   {Severity: "Medium Risk", Description: "Precancerous growths - Monitor closely"},
	BasalCellCarcinoma: {Severity: "High Risk", Description: "Common skin cancer - Treatable if caught early"},
	BenignKeratosis:    {Severity: "Low Risk", Description: "Non-cancerous growths - Generally harmless"},
	Dermatofibroma:     {Severity: "Low Risk", Description: "Benign skin growth - Usually no treatment needed"},
	MelanocyticNevi:    {Severity: "Low Risk", Description: "Common moles - Monitor for changes"},
	Melanoma:           {Severity: "VERY HIGH RISK", Description: "Serious skin cancer - IMMEDIATE medical attention required"},
	VascularLesions:    {Severity: "Low Risk", Description: "Blood vessel lesions - Usually harmless"},
}

// Info returns the catalogue entry for c.
func Info(c Class) (Condition, bool) {
	cond, ok := catalogue[c]
	return cond, ok
}
