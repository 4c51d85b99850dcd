package importer

const schemaURL = "https://proposal-workflows.local/schemas/workflows.json"

// documentSchema describes a workflow import document. Step configs are
// checked structurally here; semantic rules (ranges, quorum, options) are
// left to template validation.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflows"],
  "additionalProperties": false,
  "properties": {
    "workflows": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/workflow" }
    }
  },
  "$defs": {
    "workflow": {
      "type": "object",
      "required": ["title", "evaluations"],
      "additionalProperties": false,
      "properties": {
        "title": { "type": "string", "minLength": 1 },
        "private_evaluations": { "type": "boolean" },
        "draft_reminder": { "type": "boolean" },
        "archived": { "type": "boolean" },
        "evaluations": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      }
    },
    "step": {
      "type": "object",
      "required": ["title", "type"],
      "additionalProperties": false,
      "properties": {
        "id": { "type": "string" },
        "title": { "type": "string" },
        "type": { "enum": ["feedback", "pass_fail", "rubric", "vote", "sign_documents"] },
        "final_step": { "type": "boolean" },
        "permissions": { "type": "array", "items": { "$ref": "#/$defs/permission" } },
        "action_labels": {
          "type": "object",
          "additionalProperties": false,
          "properties": { "approve": { "type": "string" }, "reject": { "type": "string" } }
        },
        "notifications": {
          "type": "object",
          "additionalProperties": false,
          "properties": { "on_enter": { "type": "boolean" }, "on_result": { "type": "boolean" } }
        },
        "config": { "type": "object" }
      },
      "allOf": [
        {
          "if": { "properties": { "type": { "enum": ["pass_fail", "rubric"] } } },
          "then": { "properties": { "config": {
            "properties": {
              "review": { "$ref": "#/$defs/review" },
              "criteria": { "type": "array", "items": { "$ref": "#/$defs/criterion" } },
              "show_author_results_on_fail": { "type": "boolean" }
            }
          } } }
        },
        {
          "if": { "properties": { "type": { "const": "vote" } } },
          "then": { "properties": { "config": {
            "properties": {
              "threshold": { "type": "integer", "minimum": 0, "maximum": 100 },
              "vote_type": { "enum": ["Approval", "SingleChoice"] },
              "options": { "type": "array", "items": { "type": "string", "minLength": 1 }, "minItems": 1 },
              "max_choices": { "type": "integer", "minimum": 1 },
              "duration_days": { "type": "integer", "minimum": 0 }
            }
          } } }
        }
      ]
    },
    "review": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "required_reviews": { "type": "integer", "minimum": 1 },
        "decline_reasons": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "appealable": { "type": "boolean" },
        "appeal_required_reviews": { "type": "integer", "minimum": 1 }
      }
    },
    "criterion": {
      "type": "object",
      "required": ["title", "parameters"],
      "additionalProperties": false,
      "properties": {
        "id": { "type": "string" },
        "title": { "type": "string" },
        "description": { "type": "string" },
        "type": { "const": "range" },
        "parameters": {
          "type": "object",
          "required": ["min", "max"],
          "properties": { "min": { "type": "number" }, "max": { "type": "number" } }
        }
      }
    },
    "permission": {
      "type": "object",
      "required": ["assignee", "operations"],
      "additionalProperties": false,
      "properties": {
        "assignee": {
          "type": "object",
          "required": ["group", "id"],
          "properties": {
            "group": { "enum": ["user", "role", "system_role"] },
            "id": { "type": "string", "minLength": 1 }
          }
        },
        "operations": {
          "type": "array",
          "items": { "enum": ["view", "view_private_fields", "comment", "edit", "move_forward", "move_backward", "evaluate"] }
        }
      }
    }
  }
}`
