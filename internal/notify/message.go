package notify

import "fmt"

// Message is one notification. The set of implementations is closed: Text,
// File, FileWithCaption and FilesWithCaption.
type Message interface {
	kind() string
}

// Text is a plain text notification.
type Text struct {
	Body string
}

// File delivers a single document without a caption.
type File struct {
	Path string
}

// FileWithCaption delivers one document. An empty Caption sends none.
type FileWithCaption struct {
	Path    string
	Caption string
}

// FilesWithCaption delivers several documents; the caption goes with the
// first one.
type FilesWithCaption struct {
	Paths   []string
	Caption string
}

func (Text) kind() string             { return "text" }
func (File) kind() string             { return "file" }
func (FileWithCaption) kind() string  { return "file_with_caption" }
func (FilesWithCaption) kind() string { return "files_with_caption" }

func (m Text) String() string { return fmt.Sprintf("text: %s", m.Body) }
func (m File) String() string { return fmt.Sprintf("file: %s", m.Path) }

func (m FileWithCaption) String() string {
	return fmt.Sprintf("file: %s (%s)", m.Path, m.Caption)
}

func (m FilesWithCaption) String() string {
	return fmt.Sprintf("files: %v (%s)", m.Paths, m.Caption)
}
