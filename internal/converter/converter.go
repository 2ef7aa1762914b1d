package converter

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/model"
)

// Converter turns Notion block trees into the internal document format.
type Converter struct{}

func New() *Converter {
	return &Converter{}
}

func (c *Converter) Convert(ctx context.Context, page *model.RawPage) (*model.Doc, error) {
	if page == nil {
		return nil, fmt.Errorf("convert: page is nil")
	}
	nodes, err := c.convertBlocks(ctx, page.Blocks)
	if err != nil {
		return nil, fmt.Errorf("convert page %s: %w", page.ID, err)
	}
	return model.NewDoc(nodes...), nil
}

func (c *Converter) convertBlocks(ctx context.Context, blocks []model.Block) ([]model.Node, error) {
	nodes := make([]model.Node, 0, len(blocks))
	for i := 0; i < len(blocks); {
		if listType := listNodeType(blocks[i].Type); listType != "" {
			j := i
			for j < len(blocks) && blocks[j].Type == blocks[i].Type {
				j++
			}
			list, err := c.convertList(ctx, listType, blocks[i:j])
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, list)
			i = j
			continue
		}
		converted, err := c.convertBlock(ctx, &blocks[i])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, converted...)
		i++
	}
	return nodes, nil
}

func listNodeType(blockType string) string {
	switch blockType {
	case model.BlockBulletedListItem:
		return model.NodeBulletList
	case model.BlockNumberedListItem:
		return model.NodeOrderedList
	case model.BlockToDo:
		return model.NodeCheckboxList
	}
	return ""
}

func (c *Converter) convertList(ctx context.Context, listType string, items []model.Block) (model.Node, error) {
	list := model.Node{Type: listType, Content: make([]model.Node, 0, len(items))}
	for i := range items {
		b := &items[i]
		text := b.BulletedListItem
		itemType := model.NodeListItem
		switch b.Type {
		case model.BlockNumberedListItem:
			text = b.NumberedListItem
		case model.BlockToDo:
			text = b.ToDo
			itemType = model.NodeCheckboxItem
		}
		if text == nil {
			logMalformed(ctx, b)
			text = &model.TextBlock{}
		}
		item := model.Node{Type: itemType, Content: []model.Node{paragraph(text.RichText)}}
		if itemType == model.NodeCheckboxItem {
			item.SetAttr("checked", text.Checked)
		}
		children, err := c.convertBlocks(ctx, b.Children)
		if err != nil {
			return model.Node{}, err
		}
		item.Content = append(item.Content, children...)
		list.Content = append(list.Content, item)
	}
	return list, nil
}

// convertBlock converts one non-list block. Container blocks without a
// counterpart are flattened into their children.
func (c *Converter) convertBlock(ctx context.Context, b *model.Block) ([]model.Node, error) {
	if b.Type == model.BlockTable {
		return []model.Node{c.convertTable(ctx, b)}, nil
	}
	children, err := c.convertBlocks(ctx, b.Children)
	if err != nil {
		return nil, err
	}
	switch b.Type {
	case model.BlockParagraph:
		if b.Paragraph == nil {
			return skipMalformed(ctx, b, children), nil
		}
		return append([]model.Node{paragraph(b.Paragraph.RichText)}, children...), nil
	case model.BlockHeading1, model.BlockHeading2, model.BlockHeading3:
		text, level := headingPayload(b)
		if text == nil {
			return skipMalformed(ctx, b, children), nil
		}
		node := model.Node{Type: model.NodeHeading, Content: inline(text.RichText)}
		node.SetAttr("level", level)
		return append([]model.Node{node}, children...), nil
	case model.BlockToggle:
		if b.Toggle == nil {
			return skipMalformed(ctx, b, children), nil
		}
		return append([]model.Node{paragraph(b.Toggle.RichText)}, children...), nil
	case model.BlockQuote:
		if b.Quote == nil {
			return skipMalformed(ctx, b, children), nil
		}
		node := model.Node{Type: model.NodeBlockquote, Content: append([]model.Node{paragraph(b.Quote.RichText)}, children...)}
		return []model.Node{node}, nil
	case model.BlockCallout:
		if b.Callout == nil {
			return skipMalformed(ctx, b, children), nil
		}
		node := model.Node{Type: model.NodeNotice, Content: append([]model.Node{paragraph(b.Callout.RichText)}, children...)}
		node.SetAttr("style", "info")
		if b.Callout.Icon != nil && b.Callout.Icon.Emoji != "" {
			node.SetAttr("emoji", b.Callout.Icon.Emoji)
		}
		return []model.Node{node}, nil
	case model.BlockCode:
		if b.Code == nil {
			return skipMalformed(ctx, b, children), nil
		}
		node := model.Node{Type: model.NodeCodeBlock}
		node.SetAttr("language", b.Code.Language)
		if text := model.PlainText(b.Code.RichText); text != "" {
			node.Content = []model.Node{{Type: model.NodeText, Text: text}}
		}
		return []model.Node{node}, nil
	case model.BlockDivider:
		return []model.Node{{Type: model.NodeHorizontalRule}}, nil
	case model.BlockEquation:
		if b.Equation == nil {
			return skipMalformed(ctx, b, children), nil
		}
		node := model.Node{Type: model.NodeMath}
		node.SetAttr("expression", b.Equation.Expression)
		return []model.Node{node}, nil
	case model.BlockBookmark:
		if b.Bookmark == nil {
			return skipMalformed(ctx, b, children), nil
		}
		label := model.PlainText(b.Bookmark.Caption)
		if label == "" {
			label = b.Bookmark.URL
		}
		link := model.Node{Type: model.NodeText, Text: label, Marks: []model.Mark{linkMark(b.Bookmark.URL)}}
		return []model.Node{{Type: model.NodeParagraph, Content: []model.Node{link}}}, nil
	case model.BlockEmbed:
		if b.Embed == nil {
			return skipMalformed(ctx, b, children), nil
		}
		node := model.Node{Type: model.NodeEmbed}
		node.SetAttr("href", b.Embed.URL)
		return []model.Node{node}, nil
	case model.BlockImage:
		return mediaNode(ctx, b, children, b.Image, model.NodeImage, "src")
	case model.BlockVideo:
		return mediaNode(ctx, b, children, b.Video, model.NodeVideo, "src")
	case model.BlockFile:
		return mediaNode(ctx, b, children, b.File, model.NodeAttachment, "href")
	case model.BlockPDF:
		return mediaNode(ctx, b, children, b.PDF, model.NodeAttachment, "href")
	case model.BlockChildPage:
		if b.ChildPage == nil {
			return skipMalformed(ctx, b, children), nil
		}
		return []model.Node{mention(model.ItemTypePage, b.ID, b.ChildPage.Title)}, nil
	case model.BlockChildDatabase:
		if b.ChildDatabase == nil {
			return skipMalformed(ctx, b, children), nil
		}
		return []model.Node{mention(model.ItemTypeDatabase, b.ID, b.ChildDatabase.Title)}, nil
	case model.BlockColumnList, model.BlockColumn, model.BlockSyncedBlock:
		return children, nil
	}
	logutil.GetLogger(ctx).Warn("skip unsupported block",
		zap.String("block_id", b.ID),
		zap.String("block_type", b.Type),
	)
	return nil, nil
}

func (c *Converter) convertTable(ctx context.Context, b *model.Block) model.Node {
	table := model.Node{Type: model.NodeTable, Content: make([]model.Node, 0, len(b.Children))}
	for i := range b.Children {
		row := &b.Children[i]
		if row.Type != model.BlockTableRow || row.TableRow == nil {
			logutil.GetLogger(ctx).Warn("skip malformed table row",
				zap.String("block_id", row.ID),
				zap.String("block_type", row.Type),
			)
			continue
		}
		tr := model.Node{Type: model.NodeTableRow, Content: make([]model.Node, 0, len(row.TableRow.Cells))}
		for _, cell := range row.TableRow.Cells {
			tr.Content = append(tr.Content, model.Node{Type: model.NodeTableCell, Content: []model.Node{paragraph(cell)}})
		}
		table.Content = append(table.Content, tr)
	}
	return table
}

func headingPayload(b *model.Block) (*model.TextBlock, int) {
	switch b.Type {
	case model.BlockHeading1:
		return b.Heading1, 1
	case model.BlockHeading2:
		return b.Heading2, 2
	}
	return b.Heading3, 3
}

func mediaNode(ctx context.Context, b *model.Block, children []model.Node, file *model.FileBlock, nodeType, urlAttr string) ([]model.Node, error) {
	if file == nil {
		return skipMalformed(ctx, b, children), nil
	}
	node := model.Node{Type: nodeType}
	node.SetAttr(urlAttr, file.SourceURL())
	caption := model.PlainText(file.Caption)
	switch nodeType {
	case model.NodeAttachment:
		title := file.Name
		if title == "" {
			title = caption
		}
		node.SetAttr("title", title)
	default:
		if caption != "" {
			node.SetAttr("alt", caption)
		}
	}
	return []model.Node{node}, nil
}

func mention(itemType, id, title string) model.Node {
	node := model.Node{Type: model.NodeMention}
	node.SetAttr("type", itemType)
	node.SetAttr("id", id)
	node.SetAttr("label", title)
	return node
}

// skipMalformed drops a block whose typed payload is missing and keeps
// whatever its children converted to.
func skipMalformed(ctx context.Context, b *model.Block, children []model.Node) []model.Node {
	logMalformed(ctx, b)
	return children
}

func logMalformed(ctx context.Context, b *model.Block) {
	logutil.GetLogger(ctx).Warn("skip block without payload",
		zap.String("block_id", b.ID),
		zap.String("block_type", b.Type),
	)
}
