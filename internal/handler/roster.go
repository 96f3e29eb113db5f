package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"amaliyah/internal/model"
	"amaliyah/internal/state"
)

func (h *Handler) addStudent(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	classID, name := c.Param("id"), strings.TrimSpace(body.text("name"))
	h.roster(c, body.role(), func(s model.Snapshot) (model.Snapshot, error) {
		return model.AddStudent(s, classID, name)
	}, http.StatusCreated)
}

func (h *Handler) removeStudent(c *gin.Context) {
	classID, name := c.Param("id"), c.Param("name")
	h.roster(c, "", func(s model.Snapshot) (model.Snapshot, error) {
		return model.RemoveStudent(s, classID, name)
	}, http.StatusOK)
}

func (h *Handler) renameStudent(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	classID := c.Param("id")
	oldName, newName := strings.TrimSpace(body.text("oldName")), strings.TrimSpace(body.text("newName"))
	h.roster(c, body.role(), func(s model.Snapshot) (model.Snapshot, error) {
		return model.RenameStudent(s, classID, oldName, newName)
	}, http.StatusOK)
}

func (h *Handler) upsertClass(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	cls := model.ClassRecord{
		ID:      c.Param("id"),
		Name:    strings.TrimSpace(body.text("name")),
		Teacher: strings.TrimSpace(body.text("teacher")),
	}
	if raw, ok := body["students"]; ok {
		var students []string
		if err := json.Unmarshal(raw, &students); err != nil {
			h.fail(c, state.ErrValidation)
			return
		}
		cls.Students = students
	}
	h.roster(c, body.role(), func(s model.Snapshot) (model.Snapshot, error) {
		return model.UpsertClass(s, cls)
	}, http.StatusOK)
}

func (h *Handler) removeClass(c *gin.Context) {
	classID := c.Param("id")
	h.roster(c, "", func(s model.Snapshot) (model.Snapshot, error) {
		return model.RemoveClass(s, classID)
	}, http.StatusOK)
}

func (h *Handler) roster(c *gin.Context, role string, op state.RosterOp, status int) {
	res, err := h.svc.ApplyRoster(c.Request.Context(), op, h.requestInfo(c, role))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, gin.H{"ok": true, "events": res.Events, "classes": res.Snapshot.Classes})
}

func (h *Handler) findStudents(c *gin.Context) {
	hits, err := h.svc.FindStudents(c.Request.Context(), c.Query("q"), parseLimit(c.Query("limit")))
	if err != nil {
		h.fail(c, err)
		return
	}
	if hits == nil {
		hits = []model.StudentHit{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "students": hits})
}
