package html

import (
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// FormValues will return the values of a form on an html document.
func FormValues(formSelector string, body io.Reader) (url.Values, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	values := url.Values{}
	form := doc.Find(formSelector)
	inputs := form.Find("input")
	for _, input := range inputs.Nodes {
		inputName, ok := attrValue(input.Attr, "name")
		if !ok {
			continue
		}
		val, ok := attrValue(input.Attr, "value")
		if !ok {
			continue
		}

		values.Add(inputName, val)
	}
	return values, nil
}

// DiscoverRel parses body as HTML and returns every href advertised
// under the given rel, via either a <link rel="..."> element or an
// <a rel="..."> element, resolved against base. Used for client_id
// redirect_uri alternates and for ticket_endpoint discovery: both are
// "find the rel, resolve the href" the same way.
func DiscoverRel(body io.Reader, base *url.URL, rel string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var hrefs []string
	doc.Find("link[rel], a[rel]").Each(func(_ int, s *goquery.Selection) {
		rels := strings.Fields(s.AttrOr("rel", ""))
		found := false
		for _, r := range rels {
			if strings.EqualFold(r, rel) {
				found = true
				break
			}
		}
		if !found {
			return
		}
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		hrefs = append(hrefs, resolved.String())
	})
	return hrefs, nil
}

// HCard is the subset of h-card microformat properties this module
// reads off a profile page: display name, photo, and the canonical
// profile URL (u-url), used as the profile data attached at consent.
type HCard struct {
	Name  string
	Photo string
	URL   string
}

// DiscoverHCard returns the first h-card found in body, if any.
func DiscoverHCard(body io.Reader, base *url.URL) (HCard, bool, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return HCard{}, false, err
	}

	sel := doc.Find(".h-card").First()
	if sel.Length() == 0 {
		return HCard{}, false, nil
	}

	card := HCard{Name: strings.TrimSpace(sel.Find(".p-name").First().Text())}
	if href, ok := sel.Find(".u-url").First().Attr("href"); ok {
		if resolved, err := base.Parse(href); err == nil {
			card.URL = resolved.String()
		}
	}
	if src, ok := sel.Find(".u-photo").First().Attr("src"); ok {
		if resolved, err := base.Parse(src); err == nil {
			card.Photo = resolved.String()
		}
	}
	return card, true, nil
}

func attrValue(attrs []html.Attribute, name string) (string, bool) {
	for _, attr := range attrs {
		if attr.Key == name {
			return attr.Val, true
		}
	}
	return "", false
}
