// Package color holds the terminal theme used for run output.
//
// Styles use adaptive colors, so the palette follows the background set by
// Initialize. lipgloss drops colors on its own when stdout is not a
// terminal or NO_COLOR is set.
//
// # Usage Example
//
//	color.Initialize(os.Getenv("FLOWTEST_THEME") != "light")
//	fmt.Println(color.PassedStyle.Render("PASSED"))
//	fmt.Println(color.FailedStyle.Render("FAILED"))
package color
