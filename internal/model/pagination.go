package model

// NotificationPage is the paginated payload returned by the notification list.
type NotificationPage struct {
	Data     []*Notification `json:"data"`
	Total    int             `json:"total"`
	Unread   int             `json:"unread"`
	Pages    int             `json:"pages"`
	PageNum  int             `json:"pageNum"`
	PageSize int             `json:"pageSize"`
}
