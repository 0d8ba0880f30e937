package bot

import (
	"flowershop-bot/internal/config"

	tele "gopkg.in/telebot.v3"

	"log/slog"
)

const deniedText = "⛔️ У вас нет доступа к этому боту.\nОбратитесь к администратору для получения доступа."

// AuthMiddleware rejects updates from anyone outside the admin table.
// Both the sender's user ID and the chat ID grant access, so group
// chats mapped to a warehouse work without listing every member.
func AuthMiddleware(admins map[int64]config.Admin, logger *slog.Logger) tele.MiddlewareFunc {
	allowed := make(map[int64]struct{}, len(admins)*2)
	for userID, admin := range admins {
		allowed[userID] = struct{}{}
		allowed[admin.ChatID] = struct{}{}
	}
	logger = logger.With("component", "auth")
	logger.Info("auth middleware initialized", "allowed_ids", len(allowed))

	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			chat := c.Chat()
			if sender == nil {
				return next(c)
			}

			if _, ok := allowed[sender.ID]; ok {
				return next(c)
			}
			if chat != nil {
				if _, ok := allowed[chat.ID]; ok {
					return next(c)
				}
			}

			var chatID int64
			if chat != nil {
				chatID = chat.ID
			}
			logger.Warn("access denied", "user_id", sender.ID, "chat_id", chatID)

			if c.Callback() != nil {
				return c.Respond(&tele.CallbackResponse{Text: "⛔️ У вас нет доступа к этому боту", ShowAlert: true})
			}
			return c.Send(deniedText)
		}
	}
}
