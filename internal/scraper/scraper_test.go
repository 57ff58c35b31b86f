package scraper

import (
	"testing"

	"github.com/sahilghewari/prosbc-core/internal/core"
)

const sampleEditPage = `
<html><body>
<fieldset>
  <legend>Routesets Definition:</legend>
  <table>
    <tr><td>numbers_east.csv</td><td>
      <a href="/file_dbs/3/routesets_definitions/11/edit">edit</a>
      <a href="/file_dbs/3/routesets_definitions/11/export">export</a>
      <a href="/file_dbs/3/routesets_definitions/11">delete</a>
    </td></tr>
  </table>
</fieldset>
<fieldset>
  <legend>Routesets Digitmap:</legend>
  <table>
    <tr><td>dm_east.csv</td><td>
      <a href="/file_dbs/3/routesets_digitmaps/21/edit">edit</a>
    </td></tr>
  </table>
</fieldset>
</body></html>`

func TestParseFileTableExactLegend(t *testing.T) {
	files, err := ParseFileTable(sampleEditPage, core.KindDF)
	if err != nil {
		t.Fatalf("ParseFileTable() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "numbers_east.csv" {
		t.Fatalf("files = %+v, want one entry named numbers_east.csv", files)
	}
	if files[0].ID != "11" || files[0].ConfigDBID != "3" {
		t.Errorf("files[0] = %+v, want id=11 dbId=3", files[0])
	}
	if files[0].UpdateHref == "" || files[0].ExportHref == "" || files[0].DeleteHref == "" {
		t.Errorf("files[0] = %+v, want all three hrefs populated", files[0])
	}
}

func TestParseFileTableDM(t *testing.T) {
	files, err := ParseFileTable(sampleEditPage, core.KindDM)
	if err != nil {
		t.Fatalf("ParseFileTable() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "dm_east.csv" {
		t.Fatalf("files = %+v, want one entry named dm_east.csv", files)
	}
}

func TestParseFileTableFallsBackToFirstFieldset(t *testing.T) {
	body := `<fieldset><legend>Unrelated Section</legend>
		<table><tr><td>whatever.csv</td><td><a href="/file_dbs/3/routesets_definitions/5/edit">e</a></td></tr></table>
	</fieldset>`
	files, err := ParseFileTable(body, core.KindDF)
	if err != nil {
		t.Fatalf("ParseFileTable() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "whatever.csv" {
		t.Fatalf("files = %+v, want fallback to the only fieldset present", files)
	}
}

func TestParseFileTableNoFieldsets(t *testing.T) {
	files, err := ParseFileTable(`<html><body>nothing here</body></html>`, core.KindDF)
	if err != nil {
		t.Fatalf("ParseFileTable() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("files = %+v, want empty", files)
	}
}

func TestExtractCSRFTokenAuthenticityInput(t *testing.T) {
	body := `<form><input type="hidden" name="authenticity_token" value="abc123xyz"></form>`
	if got := ExtractCSRFToken(body); got != "abc123xyz" {
		t.Errorf("ExtractCSRFToken() = %q, want abc123xyz", got)
	}
}

func TestExtractCSRFTokenMetaTag(t *testing.T) {
	body := `<meta name="csrf-token" content="metatoken456">`
	if got := ExtractCSRFToken(body); got != "metatoken456" {
		t.Errorf("ExtractCSRFToken() = %q, want metatoken456", got)
	}
}

func TestExtractCSRFTokenNone(t *testing.T) {
	if got := ExtractCSRFToken(`<html><body>no token here</body></html>`); got != "" {
		t.Errorf("ExtractCSRFToken() = %q, want empty", got)
	}
}

func TestExtractFlashMessageNotice(t *testing.T) {
	msg, ok := ExtractFlashMessage("flash=notice%3Asuccessfully+imported")
	if !ok {
		t.Fatal("ExtractFlashMessage() ok = false, want true")
	}
	if msg.Level != "notice" || msg.Text != "successfully imported" {
		t.Errorf("msg = %+v, want level=notice text=\"successfully imported\"", msg)
	}
}

func TestExtractFlashMessageError(t *testing.T) {
	msg, ok := ExtractFlashMessage("flash=error%3AName+has+already+been+taken")
	if !ok {
		t.Fatal("ExtractFlashMessage() ok = false, want true")
	}
	if msg.Level != "error" || msg.Text != "Name has already been taken" {
		t.Errorf("msg = %+v, want level=error text=\"Name has already been taken\"", msg)
	}
}

func TestExtractFlashMessageNone(t *testing.T) {
	if _, ok := ExtractFlashMessage("session=abc123"); ok {
		t.Error("ExtractFlashMessage() ok = true, want false")
	}
}

func TestIsLoginPage(t *testing.T) {
	if !IsLoginPage(`<form><input name="password"></form> please login`) {
		t.Error("IsLoginPage() = false, want true")
	}
	if IsLoginPage(`<fieldset><legend>Routesets Definition:</legend></fieldset>`) {
		t.Error("IsLoginPage() = true, want false")
	}
}

func TestStripScripts(t *testing.T) {
	got := StripScripts(`<p>keep</p><script>alert(1)</script><p>also keep</p>`)
	if got != "<p>keep</p><p>also keep</p>" {
		t.Errorf("StripScripts() = %q", got)
	}
}
