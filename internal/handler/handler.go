package handler

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/attendance"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/auth"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/export"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/store"
)

// Handler owns the HTTP surface: kiosk endpoints, the employee
// directory, and the dashboard read APIs.
type Handler struct {
	service *attendance.Service
	repo    *attendance.Repository
	redis   *store.Redis // nil when redis is not configured

	jwtKey     string
	jwtIssuer  string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New builds the handler.
func New(service *attendance.Service, repo *attendance.Repository, redis *store.Redis,
	jwtKey, jwtIssuer string, accessTTL, refreshTTL time.Duration) *Handler {
	return &Handler{
		service:    service,
		repo:       repo,
		redis:      redis,
		jwtKey:     jwtKey,
		jwtIssuer:  jwtIssuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Routes mounts all endpoints on the router.
func (h *Handler) Routes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/devices/register", h.RegisterDevice)

	device := v1.Group("", auth.DeviceAuth(h.jwtKey, h.jwtIssuer))
	device.POST("/recognitions", h.Recognize)
	device.POST("/enrollments", h.Enroll)

	v1.GET("/employees", h.ListEmployees)
	v1.POST("/employees", h.CreateEmployee)
	v1.GET("/employees/:id", h.GetEmployee)
	v1.DELETE("/employees/:id", h.DeleteEmployee)
	v1.POST("/employees/:id/enrollment/reset", h.ResetEnrollment)
	v1.POST("/enrollments/reset", h.ResetAllEnrollment)

	v1.GET("/attendance", h.ListAttendance)
	v1.GET("/attendance/today", h.TodayAttendance)
	v1.GET("/attendance/export", h.ExportAttendance)
	v1.GET("/stats", h.Stats)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.redis != nil {
		resp["redis"] = h.redis.Healthy(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

// ---------- Devices ----------

type registerDeviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

// RegisterDevice records the kiosk and hands it a token pair.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device registration failed"})
		return
	}

	pair, err := auth.Issue(req.DeviceID, auth.RoleDevice, h.jwtIssuer, h.jwtKey, h.accessTTL, h.refreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, pair.RefreshToken, pair.RefreshExp); err != nil {
		log.Printf("save refresh token for %s: %v", req.DeviceID, err)
	}
	c.JSON(http.StatusOK, pair)
}

// ---------- Recognition ----------

// flexBool tolerates firmware that sends "true"/"1" instead of a JSON
// boolean.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*b = s == "true" || s == "1"
	return nil
}

type recognizeRequest struct {
	Image     string   `json:"image" binding:"required"`
	DeviceID  string   `json:"device_id"`
	Timestamp int64    `json:"timestamp"` // unix millis from the device clock
	Offline   flexBool `json:"offline"`
}

// Recognize accepts one capture frame from a kiosk.
func (h *Handler) Recognize(c *gin.Context) {
	var req recognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deviceKey := auth.DeviceID(c)
	if deviceKey == "" {
		deviceKey = req.DeviceID
	}
	if deviceKey == "" {
		deviceKey = c.ClientIP()
	}

	var captureAt time.Time
	if req.Timestamp > 0 {
		captureAt = time.UnixMilli(req.Timestamp)
	}

	res, err := h.service.Recognize(c.Request.Context(), deviceKey, req.Image, captureAt, bool(req.Offline))
	if err != nil {
		log.Printf("recognize failed for device %s: %v", deviceKey, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "recognition unavailable, retry"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---------- Enrollment ----------

type enrollRequest struct {
	EmployeeID string `json:"employee_id" binding:"required"`
	Image      string `json:"image" binding:"required"`
}

// Enroll accepts one enrollment frame for an employee.
func (h *Handler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.service.Enroll(c.Request.Context(), req.EmployeeID, req.Image)
	if err != nil {
		log.Printf("enroll failed for %s: %v", req.EmployeeID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "enrollment unavailable, retry"})
		return
	}
	if res.Done && !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---------- Employees ----------

func (h *Handler) ListEmployees(c *gin.Context) {
	employees, err := h.repo.ListEmployees(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if employees == nil {
		employees = []attendance.Employee{}
	}
	c.JSON(http.StatusOK, employees)
}

type createEmployeeRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"omitempty,email"`
	Role  string `json:"role"`
}

// CreateEmployee registers a new employee and assigns the next NVnnn
// code.
func (h *Handler) CreateEmployee(c *gin.Context) {
	var req createEmployeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	employeeID, err := h.repo.NextEmployeeID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	role := req.Role
	if role == "" {
		role = "employee"
	}
	emp := &attendance.Employee{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		Name:       req.Name,
		Role:       role,
	}
	if req.Email != "" {
		emp.Email = &req.Email
	}
	if err := h.repo.CreateEmployee(c.Request.Context(), emp); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "employee already exists"})
		return
	}
	c.JSON(http.StatusCreated, emp)
}

func (h *Handler) GetEmployee(c *gin.Context) {
	emp, err := h.repo.GetEmployee(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if emp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "employee not found"})
		return
	}
	c.JSON(http.StatusOK, emp)
}

func (h *Handler) DeleteEmployee(c *gin.Context) {
	err := h.repo.DeleteEmployee(c.Request.Context(), c.Param("id"))
	if err == attendance.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "employee not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ResetEnrollment unmarks one employee so the kiosk re-enrolls them.
func (h *Handler) ResetEnrollment(c *gin.Context) {
	id := c.Param("id")
	emp, err := h.repo.GetEmployee(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if emp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "employee not found"})
		return
	}
	if err := h.repo.SetEnrolled(c.Request.Context(), id, false); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (h *Handler) ResetAllEnrollment(c *gin.Context) {
	if err := h.repo.ResetAllEnrollment(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// ---------- Attendance ----------

func (h *Handler) ListAttendance(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	from, to, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, total, err := h.repo.ListRecords(c.Request.Context(), c.Query("employee_id"), from, to, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "total": total})
}

func (h *Handler) TodayAttendance(c *gin.Context) {
	records, err := h.repo.TodayRecords(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// ExportAttendance streams the range as an xlsx workbook.
func (h *Handler) ExportAttendance(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := time.Now()
	if to == nil {
		to = &now
	}
	if from == nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		from = &monthStart
	}

	records, _, err := h.repo.ListRecords(c.Request.Context(), c.Query("employee_id"), from, to, 10000, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := export.Attendance(&buf, records); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+export.Filename(*from, *to)+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// Stats serves the dashboard headline counters.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.repo.DashboardStats(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// dateRange reads ?start/?end (with ?from/?to accepted as aliases).
func dateRange(c *gin.Context) (from, to *time.Time, err error) {
	parse := func(keys ...string) (*time.Time, error) {
		var v string
		for _, k := range keys {
			if v = c.Query(k); v != "" {
				break
			}
		}
		if v == "" {
			return nil, nil
		}
		t, err := time.ParseInLocation("2006-01-02", v, time.Local)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	if from, err = parse("start", "from"); err != nil {
		return nil, nil, err
	}
	if to, err = parse("end", "to"); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}
