// Package scoring превращает сырой набор метрик коллектора в оценки.
//
// Classify — чистая функция (тип метрики, значение) -> grade по фиксированным порогам.
// Aggregate считает доменные оценки (performance, seo, security, accessibility)
// и итоговый взвешенный балл 0..100 с буквенной оценкой.
//
// Пакет не ходит в сеть и не хранит состояние: одинаковый вход всегда дает одинаковый выход.
package scoring
