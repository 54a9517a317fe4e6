package mcp

import "github.com/mark3labs/mcp-go/mcp"

var keypointItems = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"label": map[string]any{"type": "string"},
		"x":     map[string]any{"type": "number"},
		"y":     map[string]any{"type": "number"},
	},
	"required": []string{"label", "x", "y"},
}

var numberItems = map[string]any{"type": "number"}

var stringItems = map[string]any{"type": "string"}

var listToolDef = mcp.NewTool("record_list",
	mcp.WithDescription("List annotation records in insertion order. Returns summaries without coordinates."),
	mcp.WithBoolean("processed", mcp.Description("Only records with this processed flag")),
	mcp.WithBoolean("verified", mcp.Description("Only records with this verified flag")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 50, max 500)")),
	mcp.WithNumber("offset", mcp.Description("Records to skip")),
)

var fetchToolDef = mcp.NewTool("record_fetch",
	mcp.WithDescription("Fetch one record with keypoints and bounding box."),
	mcp.WithString("key", mcp.Required(), mcp.Description("Source image path")),
)

var fetchManyToolDef = mcp.NewTool("record_fetch_many",
	mcp.WithDescription("Fetch several records. Missing keys are reported per key."),
	mcp.WithArray("keys", mcp.Required(), mcp.Items(stringItems), mcp.Description("Source image paths (max 200)")),
)

var addToolDef = mcp.NewTool("record_add",
	mcp.WithDescription("Add a record for a new image. Fails if the key exists."),
	mcp.WithString("key", mcp.Required(), mcp.Description("Source image path")),
	mcp.WithString("display_name", mcp.Description("Label shown in lists (default: file name)")),
	mcp.WithString("output_path", mcp.Description("Where the annotated image should be written")),
	mcp.WithBoolean("processed"),
	mcp.WithBoolean("verified", mcp.Description("Requires processed")),
	mcp.WithArray("keypoints", mcp.Items(keypointItems)),
	mcp.WithArray("bounding_box", mcp.Items(numberItems), mcp.Description("[x1, y1, x2, y2] or empty")),
	mcp.WithString("model_name"),
)

var updateToolDef = mcp.NewTool("record_update",
	mcp.WithDescription("Merge fields into an existing record. Omitted fields are unchanged; arrays are replaced."),
	mcp.WithString("key", mcp.Required(), mcp.Description("Source image path")),
	mcp.WithString("display_name"),
	mcp.WithString("output_path"),
	mcp.WithBoolean("processed"),
	mcp.WithBoolean("verified", mcp.Description("Requires processed")),
	mcp.WithArray("keypoints", mcp.Items(keypointItems)),
	mcp.WithArray("bounding_box", mcp.Items(numberItems)),
	mcp.WithString("model_name"),
)

var deleteToolDef = mcp.NewTool("record_delete",
	mcp.WithDescription("Delete one record. Deleting a missing key is not an error."),
	mcp.WithString("key", mcp.Required(), mcp.Description("Source image path")),
)

var deleteWhereToolDef = mcp.NewTool("record_delete_where",
	mcp.WithDescription("Delete every record matching all given flags. With no flags nothing is deleted."),
	mcp.WithBoolean("processed"),
	mcp.WithBoolean("verified"),
)

var applyResultsToolDef = mcp.NewTool("record_apply_results",
	mcp.WithDescription("Apply inference output to records whose display name matches image_name."),
	mcp.WithArray("results", mcp.Required(), mcp.Items(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"image_name":   map[string]any{"type": "string"},
			"keypoints":    map[string]any{"type": "array", "items": keypointItems},
			"bounding_box": map[string]any{"type": "array", "items": numberItems},
		},
		"required": []string{"image_name"},
	})),
	mcp.WithString("model_name", mcp.Description("Recorded on every updated record")),
)

var exportToolDef = mcp.NewTool("record_export",
	mcp.WithDescription("Export records to a JSONL file (zstd when the path ends in .jsonl.zst)."),
	mcp.WithString("path", mcp.Description("Output file (default: ~/.lotl/exports/annotations-<timestamp>.jsonl)")),
	mcp.WithBoolean("processed"),
	mcp.WithBoolean("verified"),
	mcp.WithBoolean("compress", mcp.Description("Write .jsonl.zst")),
)

var importToolDef = mcp.NewTool("record_import",
	mcp.WithDescription("Import records from a JSONL export."),
	mcp.WithString("path", mcp.Required()),
	mcp.WithString("mode", mcp.Enum("error", "skip", "replace"), mcp.Description("Collision handling (default: error)")),
)

var importLegacyToolDef = mcp.NewTool("record_import_legacy",
	mcp.WithDescription("Import records from a legacy SQLite annotation database."),
	mcp.WithString("path", mcp.Required()),
	mcp.WithString("mode", mcp.Enum("error", "skip", "replace")),
)

var embedPNGToolDef = mcp.NewTool("record_embed_png",
	mcp.WithDescription("Write a copy of a PNG with the record's annotations embedded as text chunks."),
	mcp.WithString("key", mcp.Required()),
	mcp.WithString("source", mcp.Description("PNG to annotate (default: the record's output path)")),
	mcp.WithString("dest", mcp.Description("Output .png (default: ~/.lotl/exports/<name>.png)")),
)

var inventoryToolDef = mcp.NewTool("store_inventory",
	mcp.WithDescription("Count records by annotation state and model."),
)

var flushToolDef = mcp.NewTool("store_flush",
	mcp.WithDescription("Write pending changes to disk now."),
)

var dumpToolDef = mcp.NewTool("store_dump",
	mcp.WithDescription("Render the store as a markdown table."),
)

var processToolDef = mcp.NewTool("inference_process",
	mcp.WithDescription("Run the keypoint model over records and apply the results. With no keys, every unprocessed record is sent."),
	mcp.WithArray("keys", mcp.Items(stringItems)),
	mcp.WithString("model", mcp.Description("Model variant (default: service default)")),
)

var modelsToolDef = mcp.NewTool("inference_models",
	mcp.WithDescription("List model variants offered by the inference service."),
)
