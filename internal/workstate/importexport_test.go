package workstate

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	doc := sampleDocument()

	data, err := ExportDocument(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !bytes.Contains(data, []byte("\n  \"users\"")) {
		t.Fatalf("expected indented export, got %q", data[:min(len(data), 80)])
	}

	imported, err := ImportDocument(data)
	if err != nil {
		t.Fatalf("import of own export failed: %v", err)
	}
	if !reflect.DeepEqual(doc, imported) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", doc, imported)
	}
}

func TestImportDocumentRejectsUnknownTopLevelField(t *testing.T) {
	raw := []byte(`{"users":[],"lastUpdated":0,"attachments":[]}`)
	if _, err := ImportDocument(raw); !errors.Is(err, ErrImportValidation) {
		t.Fatalf("expected validation rejection for unknown field, got %v", err)
	}
}

func TestImportDocumentRejectsMissingRequiredFields(t *testing.T) {
	for _, raw := range []string{`{}`, `{"users":[]}`, `{"lastUpdated":0}`, ``} {
		if _, err := ImportDocument([]byte(raw)); !errors.Is(err, ErrImportValidation) {
			t.Fatalf("payload %q: expected validation rejection, got %v", raw, err)
		}
	}
}

func TestImportDocumentRejectsWrongShapes(t *testing.T) {
	cases := []string{
		`{"users":{},"lastUpdated":0}`,
		`{"users":[],"lastUpdated":"yesterday"}`,
		`{"users":[],"lastUpdated":-5}`,
		`{"users":[],"lastUpdated":0,"theme":"solarized"}`,
		`{"users":[{"firstName":"NoID"}],"lastUpdated":0}`,
		`{"users":[],"lastUpdated":0,"teams":[{"id":"t","projects":[{"id":"p","tasks":[{"id":"k","done":"yes"}]}]}]}`,
		`not json at all`,
		`null`,
		`[1,2,3]`,
	}
	for _, raw := range cases {
		if _, err := ImportDocument([]byte(raw)); !errors.Is(err, ErrImportValidation) {
			t.Fatalf("payload %q: expected validation rejection, got %v", raw, err)
		}
	}
}

func TestImportDocumentUpgradesLegacyExport(t *testing.T) {
	raw := []byte(`{
		"users": [{"id": "u_1", "username": "ada"}],
		"reports": [{"id": "r_1", "week": "2023-W40", "content": "legacy entry"}],
		"lastUpdated": 3
	}`)

	doc, err := ImportDocument(raw)
	if err != nil {
		t.Fatalf("legacy import failed: %v", err)
	}
	if doc.Users[0].UID != "ada" {
		t.Fatalf("expected username upgraded to uid, got %+v", doc.Users[0])
	}
	if len(doc.WeeklyReports) != 1 || doc.WeeklyReports[0].ID != "r_1" {
		t.Fatalf("expected reports upgraded to weeklyReports, got %+v", doc.WeeklyReports)
	}
	if doc.Theme != ThemeLight {
		t.Fatalf("expected defaults applied on import, got theme %q", doc.Theme)
	}
}

func TestExportDocumentRejectsNil(t *testing.T) {
	if _, err := ExportDocument(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil document, got %v", err)
	}
}
