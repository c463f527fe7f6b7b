// Package logger — единый вывод логов rgb-sync с префиксом, уровнем и учётом quiet/verbose.
package logger

import (
	"io"
	"log"
	"os"
)

// Quiet при true отключает информационные сообщения (Info, Debug); Warn и Error выводятся всегда.
var Quiet bool

// Verbose при true включает Debug (дампы регистров PLL, шаги genlock).
var Verbose bool

// SetOutput дублирует лог в w (например, в последовательную консоль) помимо stderr.
// nil возвращает вывод только в stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))
}

// Info выводит сообщение с префиксом "rgb-sync: ", если Quiet == false.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	log.Printf("rgb-sync: "+format, args...)
}

// Debug выводит отладочное сообщение только при Verbose.
func Debug(format string, args ...interface{}) {
	if Quiet || !Verbose {
		return
	}
	log.Printf("rgb-sync: debug: "+format, args...)
}

// Warn выводит предупреждение всегда.
func Warn(format string, args ...interface{}) {
	log.Printf("rgb-sync: warn: "+format, args...)
}

// Error выводит сообщение об ошибке с префиксом "rgb-sync: " всегда.
func Error(format string, args ...interface{}) {
	log.Printf("rgb-sync: error: "+format, args...)
}
