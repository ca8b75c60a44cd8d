// Package file provides dependent resource kinds that manage files on the
// local filesystem.
//
// The directory kind creates a directory and removes it on delete. The
// template kind renders a text/template, with the sprig function library,
// into a file and removes the file on delete.
//
// Templates are rendered against the primary resource:
//
//	{{ .Name }} {{ .Namespace }} {{ .Spec.title }} {{ .Labels.tier }}
//
// Content templates also see .Values, what earlier dependents stored in the
// workflow context. Both kinds store their rendered path under their own
// dependent name, so a sitemap can link to the page rendered before it:
//
//	template: '{{ .Values.index }}'
//
// Paths never see .Values. They are rendered again on delete, and a cleanup
// pass does not run the dependents that would have filled them in.
package file
