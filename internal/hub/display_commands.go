package hub

import (
	"context"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

// handleAdbCommand routes the display/WM operation family. The response
// type is derived from the commandType so each operation correlates
// independently.
func (h *Hub) handleAdbCommand(ctx context.Context, c session.Sink, cmd *command) {
	responseType := cmd.CommandType + "Response"

	switch cmd.CommandType {
	case "getDisplayList":
		displays, err := h.sessions.ListDisplays(ctx, cmd.DeviceID)
		if err != nil {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": failureMessage(err),
			})
			return
		}
		if displays == nil {
			displays = []session.DisplayEntry{}
		}
		h.respond(c, responseType, cmd.CommandID, fields{
			"success": true, "displays": displays,
		})

	case "setOverlay":
		if cmd.Resolution == "" || cmd.DPI == "" {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": "resolution and dpi are required",
			})
			return
		}
		if err := h.sessions.SetOverlay(ctx, cmd.DeviceID, cmd.Resolution, cmd.DPI); err != nil {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": failureMessage(err),
			})
			return
		}
		h.respond(c, responseType, cmd.CommandID, fields{"success": true})

	case "setWmSize":
		if cmd.Resolution == "" {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": "resolution is required",
			})
			return
		}
		if err := h.sessions.SetWmSize(ctx, cmd.DeviceID, cmd.Resolution); err != nil {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": failureMessage(err),
			})
			return
		}
		h.respond(c, responseType, cmd.CommandID, fields{"success": true})

	case "setWmDensity":
		if cmd.DPI == "" {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": "dpi is required",
			})
			return
		}
		if err := h.sessions.SetWmDensity(ctx, cmd.DeviceID, cmd.DPI); err != nil {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": failureMessage(err),
			})
			return
		}
		h.respond(c, responseType, cmd.CommandID, fields{"success": true})

	case "adbRotateScreen":
		rotation, err := h.sessions.RotateScreen(ctx, cmd.DeviceID)
		if err != nil {
			h.respond(c, responseType, cmd.CommandID, fields{
				"success": false, "message": failureMessage(err),
			})
			return
		}
		h.respond(c, responseType, cmd.CommandID, fields{
			"success": true, "rotation": rotation,
		})

	case "cleanupAdb":
		h.sessions.CleanupAdb(ctx, cmd.DeviceID)
		h.respond(c, responseType, cmd.CommandID, fields{"success": true})

	default:
		h.respond(c, "error", cmd.CommandID, fields{"message": "Unknown action"})
	}
}
