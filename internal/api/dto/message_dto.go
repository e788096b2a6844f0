package dto

type CreateMessageRequest struct {
	UserName  string `json:"user_name" binding:"required"`
	Content   string `json:"content"`
	Country   string `json:"country"`
	MediaURL  string `json:"media_url"`
	MediaType string `json:"media_type"`
}

type CreateMessageResponse struct {
	Message         MessageDTO `json:"message"`
	GemmieScheduled bool       `json:"gemmie_scheduled"`
	GemmieJobID     string     `json:"gemmie_job_id,omitempty"`
}

type ListMessagesRequest struct {
	UserName string `form:"user_name"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListMessagesResponse struct {
	Messages   []MessageDTO `json:"messages"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type MessageDTO struct {
	MessageID string `json:"message_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	Country   string `json:"country"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	IsGemmie  bool   `json:"is_gemmie"`
	CreatedAt string `json:"created_at"`
}

type ProcessResponse struct {
	JobID     string `json:"job_id"`
	Outcome   string `json:"outcome"`
	MessageID string `json:"message_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

type CancelPendingResponse struct {
	Canceled bool `json:"canceled"`
}

type CleanupOrphansResponse struct {
	Action string `json:"action"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}
