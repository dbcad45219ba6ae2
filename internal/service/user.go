package service

import (
	"context"
	"errors"
	"strings"

	"whisper/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OnlineChecker 由 Hub 的在线表实现，用户列表据此标注在线状态。
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	online OnlineChecker
}

func NewUserService(db *gorm.DB, online OnlineChecker) *UserService {
	return &UserService{db: db, online: online}
}

// UserDTO 是对外输出的用户数据。
type UserDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online"`
}

// FindBySubject 按身份提供方的 subject 查找本地用户。
func (s *UserService) FindBySubject(ctx context.Context, subject string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("subject = ?", subject).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Get 按 ID 查找用户。
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SyncInput 来自已验证 token 的用户资料。
type SyncInput struct {
	Subject string
	Name    string
	Email   string
	Avatar  string
}

// Sync 以 subject 为键创建或更新本地用户记录。
func (s *UserService) Sync(ctx context.Context, in SyncInput) (*models.User, error) {
	user := models.User{
		Subject: in.Subject,
		Name:    strings.TrimSpace(in.Name),
		Email:   strings.ToLower(strings.TrimSpace(in.Email)),
		Avatar:  in.Avatar,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "avatar", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}
	return s.FindBySubject(ctx, in.Subject)
}

// ListOthers 返回除自己以外的用户，附带在线状态。
func (s *UserService) ListOthers(ctx context.Context, userID string, limit int) ([]UserDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id <> ?", userID).Order("name asc").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, s.DTO(u))
	}
	return out, nil
}

// DTO 转换为对外输出结构并标注在线状态。
func (s *UserService) DTO(u models.User) UserDTO {
	dto := UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}
	if s.online != nil {
		dto.Online = s.online.IsOnline(u.ID)
	}
	return dto
}
