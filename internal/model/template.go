package model

// Template is a named message rendering, organized per application and
// per mode. Content[application][mode] yields the subject/body pair.
type Template struct {
	ID      int64
	Name    string
	Content map[string]map[string]TemplateContent
}

// TemplateContent is one renderable subject/body pair.
type TemplateContent struct {
	Subject string
	Body    string
}
