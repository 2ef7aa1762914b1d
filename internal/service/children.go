package service

import "github.com/xxxsen/kbimport/internal/model"

// CollectChildren walks a block tree and returns one task input per nested
// child page or child database, in document order. parentID and
// collectionID are carried into every entry.
func CollectChildren(blocks []model.Block, parentID, collectionID string) []model.TaskInput {
	var out []model.TaskInput
	seen := make(map[string]struct{})
	var walk func(blocks []model.Block)
	walk = func(blocks []model.Block) {
		for i := range blocks {
			b := &blocks[i]
			itemType := ""
			switch b.Type {
			case model.BlockChildPage:
				itemType = model.ItemTypePage
			case model.BlockChildDatabase:
				itemType = model.ItemTypeDatabase
			}
			if itemType != "" && b.ID != "" {
				if _, ok := seen[b.ID]; !ok {
					seen[b.ID] = struct{}{}
					out = append(out, model.TaskInput{
						Type:                 itemType,
						ExternalID:           b.ID,
						ParentExternalID:     parentID,
						CollectionExternalID: collectionID,
					})
				}
			}
			walk(b.Children)
		}
	}
	walk(blocks)
	return out
}

// chunkInputs splits items into batches of at most size entries.
func chunkInputs(items []model.TaskInput, size int) [][]model.TaskInput {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]model.TaskInput, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
