package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kleqing/PetSitter-sub000/internal/model"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// Claims 认证服务签发的 JWT 声明
type Claims struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"name"`
	Role        model.Role `json:"role"`
	Avatar      string     `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Session 当前登录用户，由外部认证模块注入，只读
type Session struct {
	UserID      string
	DisplayName string
	Role        model.Role
	Avatar      string
	Token       string
	ExpiresAt   time.Time
}

// FromToken 解析 Token（不验证签名，签名由服务端校验）
func FromToken(tokenString string) (*Session, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, ErrTokenInvalid
	}

	s := &Session{
		UserID:      userID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		Avatar:      claims.Avatar,
		Token:       tokenString,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
		if s.Expired(time.Now()) {
			return nil, ErrTokenExpired
		}
	}
	return s, nil
}

// Expired Token 是否已过期，没有过期时间视为永不过期
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// AuthorizationHeader Bearer 认证头
func (s *Session) AuthorizationHeader() string {
	return "Bearer " + s.Token
}

// Participant 当前用户作为会话参与者
func (s *Session) Participant() model.Participant {
	return model.Participant{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Role:        s.Role,
		Avatar:      s.Avatar,
		IsOnline:    true,
	}
}
