package main

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed web/templates/*.html web/static/*
var embeddedFiles embed.FS

var templateFuncs = template.FuncMap{
	"percent": func(v float32) string {
		return fmt.Sprintf("%.1f%%", v*100)
	},
}

// loadTemplates parses the embedded page templates.
func loadTemplates() (*template.Template, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(embeddedFiles, "web/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// staticHandler serves the embedded stylesheet and friends under /static/.
func staticHandler() (http.Handler, error) {
	sub, err := fs.Sub(embeddedFiles, "web/static")
	if err != nil {
		return nil, err
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub))), nil
}
