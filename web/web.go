// Package web embeds the operator-facing HTML: the landing page, the
// consent screen, the error page, and the admin ticket-minting forms.
// Templates are parsed once at startup and executed per request,
// mirroring the teacher's embed.FS + html/template pairing.
package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates/*.html static/* themes/default/*
var files embed.FS

// FS returns a filesystem with the default web assets, for callers
// that want to serve /static/* directly.
func FS() fs.FS {
	return files
}

// Templates parses every embedded template and returns them keyed by
// file name, the same lookup shape html/template.ParseFS produces.
func Templates() (*template.Template, error) {
	return template.ParseFS(files, "templates/*.html")
}
