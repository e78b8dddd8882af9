package providers

import (
	_ "embed"
)

//go:embed prompts/ocr.tmpl
var ocrPrompt string

//go:embed prompts/title.tmpl
var titlePrompt string

// Instructions sent alongside the image in the user message.
const (
	ocrUserText   = "Transcribe the pages in this image."
	titleUserText = "What is the title of this book?"
)

// OCRPrompt returns the page extraction instructions.
func OCRPrompt() string {
	return ocrPrompt
}

// TitlePrompt returns the cover title instructions.
func TitlePrompt() string {
	return titlePrompt
}
