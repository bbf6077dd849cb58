// Package tgui holds small helpers for Telegram message text:
//   - HTML builders that escape by default (ParseMode="HTML")
//   - Strip, which turns HTML back into plain text for fallbacks
//   - rune-safe truncation and list pagination
package tgui
