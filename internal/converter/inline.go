package converter

import (
	"strings"

	"github.com/xxxsen/kbimport/internal/model"
)

func paragraph(items []model.RichText) model.Node {
	return model.Node{Type: model.NodeParagraph, Content: inline(items)}
}

// inline maps a rich text run to text nodes, splitting on line breaks.
func inline(items []model.RichText) []model.Node {
	nodes := make([]model.Node, 0, len(items))
	for _, item := range items {
		if item.PlainText == "" {
			continue
		}
		marks := marksOf(item)
		lines := strings.Split(item.PlainText, "\n")
		for i, line := range lines {
			if i > 0 {
				nodes = append(nodes, model.Node{Type: model.NodeHardBreak})
			}
			if line == "" {
				continue
			}
			nodes = append(nodes, model.Node{Type: model.NodeText, Text: line, Marks: marks})
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	return nodes
}

func marksOf(item model.RichText) []model.Mark {
	var marks []model.Mark
	if a := item.Annotations; a != nil {
		if a.Bold {
			marks = append(marks, model.Mark{Type: model.MarkBold})
		}
		if a.Italic {
			marks = append(marks, model.Mark{Type: model.MarkItalic})
		}
		if a.Strikethrough {
			marks = append(marks, model.Mark{Type: model.MarkStrike})
		}
		if a.Underline {
			marks = append(marks, model.Mark{Type: model.MarkUnderline})
		}
		if a.Code {
			marks = append(marks, model.Mark{Type: model.MarkCode})
		}
	}
	if item.Href != "" {
		marks = append(marks, linkMark(item.Href))
	}
	return marks
}

func linkMark(href string) model.Mark {
	return model.Mark{Type: model.MarkLink, Attrs: map[string]interface{}{"href": href}}
}
