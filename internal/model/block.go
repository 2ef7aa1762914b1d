package model

import "strings"

const (
	BlockParagraph        = "paragraph"
	BlockHeading1         = "heading_1"
	BlockHeading2         = "heading_2"
	BlockHeading3         = "heading_3"
	BlockBulletedListItem = "bulleted_list_item"
	BlockNumberedListItem = "numbered_list_item"
	BlockToDo             = "to_do"
	BlockToggle           = "toggle"
	BlockQuote            = "quote"
	BlockCallout          = "callout"
	BlockCode             = "code"
	BlockDivider          = "divider"
	BlockEquation         = "equation"
	BlockBookmark         = "bookmark"
	BlockEmbed            = "embed"
	BlockImage            = "image"
	BlockVideo            = "video"
	BlockFile             = "file"
	BlockPDF              = "pdf"
	BlockChildPage        = "child_page"
	BlockChildDatabase    = "child_database"
	BlockTable            = "table"
	BlockTableRow         = "table_row"
	BlockColumnList       = "column_list"
	BlockColumn           = "column"
	BlockSyncedBlock      = "synced_block"
)

// RawPage is one external page as returned by a source connector.
type RawPage struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Emoji  string  `json:"emoji,omitempty"`
	Blocks []Block `json:"blocks"`
}

// Block mirrors the Notion block object. Only the payload matching Type is set.
type Block struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	HasChildren bool    `json:"has_children"`
	Children    []Block `json:"children,omitempty"`

	Paragraph        *TextBlock     `json:"paragraph,omitempty"`
	Heading1         *TextBlock     `json:"heading_1,omitempty"`
	Heading2         *TextBlock     `json:"heading_2,omitempty"`
	Heading3         *TextBlock     `json:"heading_3,omitempty"`
	BulletedListItem *TextBlock     `json:"bulleted_list_item,omitempty"`
	NumberedListItem *TextBlock     `json:"numbered_list_item,omitempty"`
	ToDo             *TextBlock     `json:"to_do,omitempty"`
	Toggle           *TextBlock     `json:"toggle,omitempty"`
	Quote            *TextBlock     `json:"quote,omitempty"`
	Callout          *TextBlock     `json:"callout,omitempty"`
	Code             *TextBlock     `json:"code,omitempty"`
	Equation         *EquationBlock `json:"equation,omitempty"`
	Bookmark         *LinkBlock     `json:"bookmark,omitempty"`
	Embed            *LinkBlock     `json:"embed,omitempty"`
	Image            *FileBlock     `json:"image,omitempty"`
	Video            *FileBlock     `json:"video,omitempty"`
	File             *FileBlock     `json:"file,omitempty"`
	PDF              *FileBlock     `json:"pdf,omitempty"`
	ChildPage        *TitleBlock    `json:"child_page,omitempty"`
	ChildDatabase    *TitleBlock    `json:"child_database,omitempty"`
	Table            *TableBlock    `json:"table,omitempty"`
	TableRow         *TableRowBlock `json:"table_row,omitempty"`
}

type RichText struct {
	Type        string       `json:"type"`
	PlainText   string       `json:"plain_text"`
	Href        string       `json:"href,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

type Annotations struct {
	Bold          bool   `json:"bold"`
	Italic        bool   `json:"italic"`
	Strikethrough bool   `json:"strikethrough"`
	Underline     bool   `json:"underline"`
	Code          bool   `json:"code"`
	Color         string `json:"color,omitempty"`
}

type Icon struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

type TextBlock struct {
	RichText []RichText `json:"rich_text"`
	Checked  bool       `json:"checked,omitempty"`
	Language string     `json:"language,omitempty"`
	Icon     *Icon      `json:"icon,omitempty"`
	Color    string     `json:"color,omitempty"`
}

type EquationBlock struct {
	Expression string `json:"expression"`
}

type LinkBlock struct {
	URL     string     `json:"url"`
	Caption []RichText `json:"caption,omitempty"`
}

type FileSource struct {
	URL string `json:"url"`
}

// FileBlock covers image, video, file and pdf blocks. Type is "external" or
// "file"; hosted files carry short-lived signed URLs.
type FileBlock struct {
	Type     string      `json:"type"`
	External *FileSource `json:"external,omitempty"`
	File     *FileSource `json:"file,omitempty"`
	Caption  []RichText  `json:"caption,omitempty"`
	Name     string      `json:"name,omitempty"`
}

func (f *FileBlock) SourceURL() string {
	if f == nil {
		return ""
	}
	if f.File != nil && f.File.URL != "" {
		return f.File.URL
	}
	if f.External != nil {
		return f.External.URL
	}
	return ""
}

type TitleBlock struct {
	Title string `json:"title"`
}

type TableBlock struct {
	TableWidth      int  `json:"table_width"`
	HasColumnHeader bool `json:"has_column_header"`
	HasRowHeader    bool `json:"has_row_header"`
}

type TableRowBlock struct {
	Cells [][]RichText `json:"cells"`
}

// PlainText concatenates the plain text of a rich text run.
func PlainText(items []RichText) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(item.PlainText)
	}
	return sb.String()
}
