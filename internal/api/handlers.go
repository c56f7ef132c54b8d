package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"meter_billing/internal/export"
	"meter_billing/internal/model"
	"meter_billing/internal/summary"
)

type monthQuery struct {
	Month  string `form:"month" binding:"required,datetime=2006-01"`
	Format string `form:"format" binding:"omitempty,oneof=json xlsx"`
}

type rangeQuery struct {
	From string `form:"from" binding:"required,datetime=2006-01-02"`
	To   string `form:"to" binding:"required,datetime=2006-01-02"`
}

// badRequest answers 400 with the failed fields, if the error came from
// query validation.
func badRequest(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// billing returns the month's daily summaries. The month parameter is
// required; a month with no data is 404.
func (s *server) billing(c *gin.Context) {
	var q monthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	y, m, err := summary.ParseMonth(q.Month)
	if err != nil {
		badRequest(c, err)
		return
	}

	rows := s.store.Month(y, m)
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no billing data for " + q.Month})
		return
	}

	if q.Format == "xlsx" {
		var buf bytes.Buffer
		if err := export.WriteMonthlyWorkbook(&buf, q.Month, rows); err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build workbook"})
			return
		}
		c.Header("Content-Disposition", "attachment; filename="+export.Filename(q.Month))
		c.Data(http.StatusOK, export.ContentType, buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, summary.Records(rows))
}

func (s *server) summaries(c *gin.Context) {
	var q rangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	from, err := model.ParseDay(q.From)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := model.ParseDay(q.To)
	if err != nil {
		badRequest(c, err)
		return
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is before from"})
		return
	}
	c.JSON(http.StatusOK, summary.Records(s.store.InRange(from, to)))
}

// anomalies returns the flagged days of a month.
func (s *server) anomalies(c *gin.Context) {
	var q monthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	y, m, err := summary.ParseMonth(q.Month)
	if err != nil {
		badRequest(c, err)
		return
	}

	var flagged []model.DailySummary
	for _, row := range s.store.Month(y, m) {
		if row.AnomalyFlag {
			flagged = append(flagged, row)
		}
	}
	c.JSON(http.StatusOK, summary.Records(flagged))
}

func (s *server) reloadRun(c *gin.Context) {
	if s.reload == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reload not configured"})
		return
	}
	runID, err := s.reload(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "days": s.store.Len()})
}
