package html

import (
	"bytes"
	"net/url"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestFormValues(t *testing.T) {
	form := `
<html>
  <body>
    <form id="formy">
      <input type="text" name="text1" value="textvalue1"/>
      <div> 
        <input type="hidden" name="hidden1" value="hiddenvalue1" />
      </div>
      <input type="text" name="repeat1" value="repeatval1"/>
      <input type="text" name="repeat1" value="repeatval2"/>
      <input type="text" name="repeat1" value="repeatval3"/>
    </form>
  </body>
`
	want := map[string][]string{
		"text1": []string{
			"textvalue1",
		},
		"hidden1": []string{
			"hiddenvalue1",
		},
		"repeat1": []string{
			"repeatval1",
			"repeatval2",
			"repeatval3",
		},
	}

	values, err := FormValues("#formy", bytes.NewBufferString(form))
	if err != nil {
		t.Errorf("expected nil err: %q", err)
	}

	if diff := pretty.Compare(want, values); diff != "" {
		t.Errorf("Compare(want, got) = %v", diff)
	}

}

func TestDiscoverRel(t *testing.T) {
	page := `
<html>
  <head>
    <link rel="ticket_endpoint" href="/ticket">
    <link rel="redirect_uri" href="https://app.example/cb2">
  </head>
  <body>
    <a rel="redirect_uri" href="https://app.example/cb3">alt</a>
  </body>
</html>`

	base, err := url.Parse("https://app.example/")
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}

	got, err := DiscoverRel(bytes.NewBufferString(page), base, "ticket_endpoint")
	if err != nil {
		t.Fatalf("expected nil err: %q", err)
	}
	if diff := pretty.Compare([]string{"https://app.example/ticket"}, got); diff != "" {
		t.Errorf("Compare(want, got) = %v", diff)
	}

	got, err = DiscoverRel(bytes.NewBufferString(page), base, "redirect_uri")
	if err != nil {
		t.Fatalf("expected nil err: %q", err)
	}
	if diff := pretty.Compare([]string{"https://app.example/cb2", "https://app.example/cb3"}, got); diff != "" {
		t.Errorf("Compare(want, got) = %v", diff)
	}
}

func TestDiscoverHCard(t *testing.T) {
	page := `
<html>
  <body>
    <div class="h-card">
      <a class="u-url p-name" href="/">Bob</a>
      <img class="u-photo" src="/photo.jpg">
    </div>
  </body>
</html>`

	base, err := url.Parse("https://bob.example/")
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}

	card, ok, err := DiscoverHCard(bytes.NewBufferString(page), base)
	if err != nil {
		t.Fatalf("expected nil err: %q", err)
	}
	if !ok {
		t.Fatalf("expected h-card to be found")
	}
	if card.Name != "Bob" {
		t.Errorf("Name = %q, want Bob", card.Name)
	}
	if card.URL != "https://bob.example/" {
		t.Errorf("URL = %q, want https://bob.example/", card.URL)
	}
	if card.Photo != "https://bob.example/photo.jpg" {
		t.Errorf("Photo = %q, want https://bob.example/photo.jpg", card.Photo)
	}
}
